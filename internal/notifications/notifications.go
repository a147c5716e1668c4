// Package notifications delivers review cycle milestones to Slack and email.
// Service implements review.Notifier.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qualys/accessreview/internal/models"
)

type NotificationType string

const (
	NotifyImportCompleted      NotificationType = "import_completed"
	NotifyAnalysisCompleted    NotificationType = "analysis_completed"
	NotifyAttestationRequested NotificationType = "attestation_requested"
	NotifyReviewOverdue        NotificationType = "review_overdue"
	NotifyReviewDueSoon        NotificationType = "review_due_soon"
)

type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config selects the delivery channels. Each channel has its own
// severity floor.
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity
}

type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// channel is one delivery route.
type channel interface {
	name() string
	accepts(models.Severity) bool
	deliver(ctx context.Context, n *Notification) error
}

type Service struct {
	slack    *slackChannel
	email    *emailChannel
	channels []channel
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger, now: time.Now}
	if config.Slack.Enabled {
		s.slack = newSlackChannel(config.Slack)
		s.channels = append(s.channels, s.slack)
	}
	if config.Email.Enabled {
		s.email = newEmailChannel(config.Email)
		s.channels = append(s.channels, s.email)
	}
	return s
}

// Enabled reports whether any channel is configured.
func (s *Service) Enabled() bool {
	return len(s.channels) > 0
}

// Send delivers n on every channel whose floor it meets. A failing channel
// does not stop the others.
func (s *Service) Send(ctx context.Context, n *Notification) error {
	var errs []error
	for _, ch := range s.channels {
		if !ch.accepts(n.Severity) {
			continue
		}
		if err := ch.deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.name(), err))
			continue
		}
		s.logger.Info("notification sent", "channel", ch.name(), "type", n.Type, "title", n.Title)
	}
	return errors.Join(errs...)
}

func meetsFloor(actual, floor models.Severity) bool {
	return actual.Rank() >= floor.Rank()
}

func cycleData(cycle *models.ReviewCycle) map[string]interface{} {
	data := map[string]interface{}{
		"review_cycle_id":   cycle.ID.String(),
		"review_cycle":      cycle.Name,
		"status":            string(cycle.Status),
		"total_findings":    cycle.Total,
		"critical_findings": cycle.Critical,
	}
	if cycle.DueDate != nil {
		data["due_date"] = cycle.DueDate.Format("2006-01-02")
	}
	return data
}

// NotifyImportCompleted reports an access snapshot import. Imports with
// failed rows are raised to MEDIUM.
func (s *Service) NotifyImportCompleted(ctx context.Context, cycle *models.ReviewCycle, imported, failed int) error {
	severity := models.SeverityLow
	if failed > 0 {
		severity = models.SeverityMedium
	}
	data := cycleData(cycle)
	data["imported"] = imported
	data["failed"] = failed

	return s.Send(ctx, &Notification{
		Type:      NotifyImportCompleted,
		Title:     "Access Snapshot Imported",
		Message:   fmt.Sprintf("%d records imported into %s, %d failed", imported, cycle.Name, failed),
		Severity:  severity,
		Data:      data,
		Timestamp: s.now(),
	})
}

// NotifyAnalysisCompleted reports generated findings, at the severity of the
// worst open finding.
func (s *Service) NotifyAnalysisCompleted(ctx context.Context, cycle *models.ReviewCycle) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyAnalysisCompleted,
		Title:     "Access Review Analysis Complete",
		Message:   fmt.Sprintf("%s produced %d findings (%d critical)", cycle.Name, cycle.Total, cycle.Critical),
		Severity:  countsToSeverity(cycle.FindingCounts),
		Data:      cycleData(cycle),
		Timestamp: s.now(),
	})
}

func (s *Service) NotifyAttestationRequested(ctx context.Context, cycle *models.ReviewCycle) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyAttestationRequested,
		Title:     "Attestation Requested",
		Message:   fmt.Sprintf("All findings in %s are decided and the review awaits attestation", cycle.Name),
		Severity:  models.SeverityHigh,
		Data:      cycleData(cycle),
		Timestamp: s.now(),
	})
}

// NotifyReviewOverdue reports a cycle past its due date that is not completed.
func (s *Service) NotifyReviewOverdue(ctx context.Context, cycle *models.ReviewCycle) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyReviewOverdue,
		Title:     "Access Review Overdue",
		Message:   fmt.Sprintf("%s is past its due date in status %s", cycle.Name, cycle.Status),
		Severity:  models.SeverityCritical,
		Data:      cycleData(cycle),
		Timestamp: s.now(),
	})
}

func (s *Service) NotifyReviewDueSoon(ctx context.Context, cycle *models.ReviewCycle) error {
	return s.Send(ctx, &Notification{
		Type:      NotifyReviewDueSoon,
		Title:     "Access Review Due Soon",
		Message:   fmt.Sprintf("%s is due on %s", cycle.Name, cycle.DueDate.Format("2006-01-02")),
		Severity:  models.SeverityHigh,
		Data:      cycleData(cycle),
		Timestamp: s.now(),
	})
}

func countsToSeverity(c models.FindingCounts) models.Severity {
	switch {
	case c.Critical > 0:
		return models.SeverityCritical
	case c.High > 0:
		return models.SeverityHigh
	case c.Medium > 0:
		return models.SeverityMedium
	}
	return models.SeverityLow
}
