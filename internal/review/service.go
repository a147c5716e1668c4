// Package review runs the access review pipeline for a review cycle: import,
// analysis, finding decisions, count aggregation and attestation, all gated
// by the review cycle state machine.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/models"
)

// Store is the persistence the pipeline needs. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	CreateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error
	GetReviewCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error)
	ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error)
	UpdateReviewCycle(ctx context.Context, rc *models.ReviewCycle) error
	UpdateReviewCycleCounts(ctx context.Context, id uuid.UUID, counts models.FindingCounts) error
	DeleteReviewCycle(ctx context.Context, id uuid.UUID) error

	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	GetFramework(ctx context.Context, id uuid.UUID) (*models.Framework, error)
	GetDefaultFramework(ctx context.Context) (*models.Framework, error)
	ListEmployees(ctx context.Context) ([]models.Employee, error)
	ListRoles(ctx context.Context, applicationID uuid.UUID) ([]models.ApplicationRole, error)
	ListSodConflicts(ctx context.Context, applicationID uuid.UUID) ([]models.SodConflict, error)

	UpsertAccessRecord(ctx context.Context, rec *models.UserAccessRecord) error
	GetAccessRecord(ctx context.Context, id uuid.UUID) (*models.UserAccessRecord, error)
	ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error)
	UpdateAccessRecordStatus(ctx context.Context, id uuid.UUID, status models.AccessReviewStatus) error
	DeleteAccessRecords(ctx context.Context, reviewCycleID uuid.UUID) (int64, error)

	CreateFinding(ctx context.Context, f *models.Finding) error
	GetFinding(ctx context.Context, id uuid.UUID) (*models.Finding, error)
	ListFindings(ctx context.Context, filter models.FindingFilter) ([]models.Finding, int, error)
	UpdateFinding(ctx context.Context, f *models.Finding) error
	DeleteOpenFindings(ctx context.Context, reviewCycleID uuid.UUID) (int64, error)
}

// Notifier receives pipeline milestones. Delivery failures are logged and
// never fail the operation.
type Notifier interface {
	NotifyImportCompleted(ctx context.Context, cycle *models.ReviewCycle, imported, failed int) error
	NotifyAnalysisCompleted(ctx context.Context, cycle *models.ReviewCycle) error
	NotifyAttestationRequested(ctx context.Context, cycle *models.ReviewCycle) error
}

const DefaultMaxErrorDetails = 10

// Service runs review cycles from import through attestation.
type Service struct {
	store           Store
	notifier        Notifier
	logger          *slog.Logger
	now             func() time.Time
	maxErrorDetails int
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets where lifecycle events are announced.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxErrorDetails caps the per-record errors an import reports.
func WithMaxErrorDetails(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxErrorDetails = n
		}
	}
}

// NewService returns a Service backed by store. A nil logger uses
// slog.Default.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:           store,
		logger:          logger,
		now:             time.Now,
		maxErrorDetails: DefaultMaxErrorDetails,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCycleInput is the caller-supplied part of a new review cycle.
type CreateCycleInput struct {
	Name          string     `json:"name" validate:"required,max=200"`
	ApplicationID uuid.UUID  `json:"applicationId" validate:"required"`
	FrameworkID   *uuid.UUID `json:"frameworkId,omitempty"`
	Year          int        `json:"year" validate:"required,min=2000,max=2100"`
	Quarter       *int       `json:"quarter,omitempty" validate:"omitempty,min=1,max=4"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
}

// CreateReviewCycle opens a DRAFT cycle. The framework defaults to the
// application's framework, then to the system default.
func (s *Service) CreateReviewCycle(ctx context.Context, in CreateCycleInput, actor models.Actor) (*models.ReviewCycle, error) {
	if err := requireMutate(actor, "create review cycles"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, models.NewValidationError("name", "is required")
	}

	app, err := s.store.GetApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("getting application: %w", err)
	}
	if app == nil || !app.IsActive {
		return nil, &models.NotFoundError{Entity: "application", ID: in.ApplicationID.String()}
	}

	fw, err := s.resolveFramework(ctx, in.FrameworkID, app)
	if err != nil {
		return nil, err
	}

	rc := &models.ReviewCycle{
		Name:          strings.TrimSpace(in.Name),
		ApplicationID: app.ID,
		FrameworkID:   fw.ID,
		Year:          in.Year,
		Quarter:       in.Quarter,
		Status:        models.ReviewStatusDraft,
		DueDate:       in.DueDate,
		CreatedBy:     actor.UserID,
	}
	if err := s.store.CreateReviewCycle(ctx, rc); err != nil {
		return nil, fmt.Errorf("creating review cycle: %w", err)
	}

	s.logger.Info("review cycle created",
		"review_cycle_id", rc.ID,
		"application_id", app.ID,
		"framework_id", fw.ID)

	return rc, nil
}

func (s *Service) resolveFramework(ctx context.Context, requested *uuid.UUID, app *models.Application) (*models.Framework, error) {
	id := requested
	if id == nil {
		id = app.FrameworkID
	}
	if id != nil {
		fw, err := s.store.GetFramework(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("getting framework: %w", err)
		}
		if fw == nil {
			return nil, &models.NotFoundError{Entity: "framework", ID: id.String()}
		}
		return fw, nil
	}

	fw, err := s.store.GetDefaultFramework(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting default framework: %w", err)
	}
	if fw == nil {
		return nil, models.NewValidationError("frameworkId", "is required when no default framework is configured")
	}
	return fw, nil
}

// GetReviewCycle returns a NotFoundError for unknown ids.
func (s *Service) GetReviewCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error) {
	return s.loadCycle(ctx, id)
}

// ListReviewCycles returns one page and the total match count.
func (s *Service) ListReviewCycles(ctx context.Context, filter models.ReviewCycleFilter) ([]models.ReviewCycle, int, error) {
	return s.store.ListReviewCycles(ctx, filter)
}

// ListAccessRecords lists the records of filter.ReviewCycleID, which must exist.
func (s *Service) ListAccessRecords(ctx context.Context, filter models.AccessRecordFilter) ([]models.UserAccessRecord, int, error) {
	if _, err := s.loadCycle(ctx, filter.ReviewCycleID); err != nil {
		return nil, 0, err
	}
	return s.store.ListAccessRecords(ctx, filter)
}

// GetFinding returns a NotFoundError for unknown ids.
func (s *Service) GetFinding(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	return s.loadFinding(ctx, id)
}

// ListFindings returns one page and the total match count.
func (s *Service) ListFindings(ctx context.Context, filter models.FindingFilter) ([]models.Finding, int, error) {
	return s.store.ListFindings(ctx, filter)
}

func (s *Service) loadCycle(ctx context.Context, id uuid.UUID) (*models.ReviewCycle, error) {
	rc, err := s.store.GetReviewCycle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting review cycle: %w", err)
	}
	if rc == nil {
		return nil, &models.NotFoundError{Entity: "review cycle", ID: id.String()}
	}
	return rc, nil
}

func (s *Service) loadFinding(ctx context.Context, id uuid.UUID) (*models.Finding, error) {
	f, err := s.store.GetFinding(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting finding: %w", err)
	}
	if f == nil {
		return nil, &models.NotFoundError{Entity: "finding", ID: id.String()}
	}
	return f, nil
}

// loadFrameworkOrDefault tolerates a missing framework so that the
// tagger can still fall back to its default threshold.
func (s *Service) loadFrameworkOrDefault(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	fw, err := s.store.GetFramework(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting framework: %w", err)
	}
	if fw == nil {
		return &models.Framework{AttestationType: models.AttestationSingle}, nil
	}
	return fw, nil
}

func requireMutate(actor models.Actor, operation string) error {
	if !actor.CanMutate() {
		return &models.ForbiddenError{Reason: fmt.Sprintf("role %q may not %s", actor.Role, operation)}
	}
	return nil
}

func (s *Service) notify(fn func(Notifier) error, event string, cycleID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := fn(s.notifier); err != nil {
		s.logger.Warn("notification failed",
			"event", event,
			"review_cycle_id", cycleID,
			"error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
