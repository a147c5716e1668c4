// Package sources pulls user access snapshots out of cloud identity
// providers and feeds them through the review import pipeline.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/queue"
	"github.com/qualys/accessreview/internal/review"
)

// Collector returns the current user/role assignments of one provider.
type Collector interface {
	Provider() string
	Collect(ctx context.Context) ([]models.ImportRecord, error)
}

// Importer is the review import entry point.
type Importer interface {
	Import(ctx context.Context, reviewCycleID uuid.UUID, records []models.ImportRecord, actor models.Actor) (*review.ImportResult, error)
}

// Dispatcher hands a collection to a background worker.
type Dispatcher interface {
	EnqueueCollection(ctx context.Context, reviewCycleID uuid.UUID, provider, requestedBy string) (*queue.Job, error)
}

// CollectResult is either a queued job or a finished import.
type CollectResult struct {
	Provider string               `json:"provider"`
	Queued   bool                 `json:"queued"`
	JobID    *uuid.UUID           `json:"jobId,omitempty"`
	Import   *review.ImportResult `json:"import,omitempty"`
}

type Service struct {
	collectors map[string]Collector
	importer   Importer
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewService(importer Importer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		collectors: make(map[string]Collector),
		importer:   importer,
		logger:     logger,
	}
}

// Register adds a collector, replacing any previous one for the same provider.
func (s *Service) Register(c Collector) {
	s.collectors[strings.ToLower(c.Provider())] = c
}

func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Providers lists the registered provider names in order.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.collectors))
	for name := range s.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) collector(provider string) (Collector, error) {
	c, ok := s.collectors[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, models.NewValidationError("provider", fmt.Sprintf("is not configured (available: %s)", strings.Join(s.Providers(), ", ")))
	}
	return c, nil
}

// Request queues a collection when a dispatcher is set, and otherwise (or
// when queueing fails) collects and imports before returning.
func (s *Service) Request(ctx context.Context, reviewCycleID uuid.UUID, provider string, actor models.Actor) (*CollectResult, error) {
	if !actor.CanMutate() {
		return nil, &models.ForbiddenError{Reason: "role " + actor.Role + " cannot import access data"}
	}
	c, err := s.collector(provider)
	if err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		job, err := s.dispatcher.EnqueueCollection(ctx, reviewCycleID, c.Provider(), actor.UserID)
		if err == nil {
			metrics.SourceCollectionsTotal.WithLabelValues(c.Provider(), "queued").Inc()
			return &CollectResult{Provider: c.Provider(), Queued: true, JobID: &job.ID}, nil
		}
		s.logger.Warn("failed to enqueue collection, running inline", "provider", c.Provider(), "error", err)
	}

	result, err := s.Collect(ctx, reviewCycleID, c.Provider(), actor)
	if err != nil {
		return nil, err
	}
	return &CollectResult{Provider: c.Provider(), Import: result}, nil
}

// Collect pulls a snapshot from provider and imports it into the cycle.
func (s *Service) Collect(ctx context.Context, reviewCycleID uuid.UUID, provider string, actor models.Actor) (*review.ImportResult, error) {
	c, err := s.collector(provider)
	if err != nil {
		return nil, err
	}

	records, err := c.Collect(ctx)
	if err != nil {
		metrics.SourceCollectionsTotal.WithLabelValues(c.Provider(), "failed").Inc()
		return nil, fmt.Errorf("collecting from %s: %w", c.Provider(), err)
	}
	s.logger.Info("collected access snapshot", "provider", c.Provider(), "review_cycle_id", reviewCycleID, "records", len(records))

	result, err := s.importer.Import(ctx, reviewCycleID, records, actor)
	if err != nil {
		metrics.SourceCollectionsTotal.WithLabelValues(c.Provider(), "failed").Inc()
		return nil, err
	}
	metrics.SourceCollectionsTotal.WithLabelValues(c.Provider(), "completed").Inc()
	return result, nil
}

// RunJob executes a queued collection on behalf of the user that
// requested it. Permission was checked when the job was queued.
func (s *Service) RunJob(ctx context.Context, job *queue.Job) error {
	if job.ReviewCycleID == nil {
		return fmt.Errorf("collection job %s has no review cycle: %w", job.ID, queue.ErrPermanent)
	}
	actor := models.Actor{UserID: job.RequestedBy, Role: models.RoleAnalyst}
	result, err := s.Collect(ctx, *job.ReviewCycleID, job.Provider, actor)
	if err != nil {
		if isDomainError(err) {
			return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
		}
		return err
	}
	s.logger.Info("collection job finished", "job_id", job.ID, "imported", result.Imported, "errors", result.Errors)
	return nil
}

func isDomainError(err error) bool {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		state      *models.InvalidStateError
		forbidden  *models.ForbiddenError
	)
	return errors.As(err, &validation) || errors.As(err, &notFound) ||
		errors.As(err, &state) || errors.As(err, &forbidden)
}
