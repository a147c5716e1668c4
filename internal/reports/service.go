package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
)

// Store persists report metadata. Getters return (nil, nil) when missing.
type Store interface {
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error)
	ListReports(ctx context.Context, reviewCycleID *uuid.UUID, limit int) ([]models.Report, error)
	UpdateReport(ctx context.Context, r *models.Report) error
	ListReportsCreatedBefore(ctx context.Context, before time.Time) ([]models.Report, error)
	DeleteReport(ctx context.Context, id uuid.UUID) error
}

// Dispatcher hands a pending report to a background worker.
type Dispatcher interface {
	EnqueueReport(ctx context.Context, reportID uuid.UUID) error
}

type Service struct {
	store      Store
	generator  *Generator
	artifacts  artifacts.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewService(store Store, generator *Generator, artifactStore artifacts.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		generator: generator,
		artifacts: artifactStore,
		logger:    logger,
	}
}

// SetDispatcher switches Request from inline generation to queued
// generation.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

type RequestInput struct {
	ReviewCycleID uuid.UUID           `json:"reviewCycleId" validate:"required"`
	ReportType    models.ReportType   `json:"reportType" validate:"required,report_type"`
	Format        models.ReportFormat `json:"format" validate:"required,report_format"`
}

// Request records a PENDING report and either queues it or generates it
// before returning.
func (s *Service) Request(ctx context.Context, in RequestInput, actor models.Actor) (*models.Report, error) {
	if !actor.CanMutate() {
		return nil, &models.ForbiddenError{Reason: "role " + string(actor.Role) + " cannot generate reports"}
	}
	rc, err := s.generator.provider.GetReviewCycle(ctx, in.ReviewCycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch review cycle: %w", err)
	}
	if rc == nil {
		return nil, &models.NotFoundError{Entity: "review cycle", ID: in.ReviewCycleID.String()}
	}

	report := &models.Report{
		ReviewCycleID:  &rc.ID,
		ReportType:     in.ReportType,
		Format:         in.Format,
		Status:         models.ReportStatusPending,
		StorageBackend: s.artifacts.Backend(),
		GeneratedBy:    actor.Email,
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}

	if s.dispatcher != nil {
		err := s.dispatcher.EnqueueReport(ctx, report.ID)
		if err == nil {
			metrics.ReportJobsTotal.WithLabelValues(string(report.ReportType), "queued").Inc()
			return report, nil
		}
		s.logger.Warn("failed to enqueue report, generating inline", "report_id", report.ID, "error", err)
	}

	if err := s.Run(ctx, report.ID); err != nil {
		s.logger.Error("report generation failed", "report_id", report.ID, "error", err)
	}
	return s.store.GetReport(ctx, report.ID)
}

// Run generates a PENDING report and stores the artifact. The report row
// ends COMPLETED or FAILED; the returned error is the generation failure.
func (s *Service) Run(ctx context.Context, reportID uuid.UUID) error {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return fmt.Errorf("fetching report: %w", err)
	}
	if report == nil {
		return &models.NotFoundError{Entity: "report", ID: reportID.String()}
	}
	if report.Status == models.ReportStatusCompleted {
		return nil
	}
	if report.ReviewCycleID == nil {
		return s.fail(ctx, report, errors.New("report has no review cycle"))
	}

	report.Status = models.ReportStatusGenerating
	if err := s.store.UpdateReport(ctx, report); err != nil {
		return fmt.Errorf("updating report: %w", err)
	}

	start := time.Now()
	out, err := s.generator.Generate(ctx, Request{
		ReviewCycleID: *report.ReviewCycleID,
		Type:          report.ReportType,
		Format:        report.Format,
	})
	if err != nil {
		return s.fail(ctx, report, err)
	}

	key := fmt.Sprintf("%s/%s/%s", report.ReviewCycleID, report.ID, out.Filename)
	if err := s.artifacts.Put(ctx, key, out.Data, out.ContentType); err != nil {
		return s.fail(ctx, report, fmt.Errorf("storing artifact: %w", err))
	}
	metrics.ReportGenerationDuration.WithLabelValues(string(report.ReportType), string(report.Format)).Observe(time.Since(start).Seconds())

	now := time.Now()
	report.Status = models.ReportStatusCompleted
	report.FileName = out.Filename
	report.FilePath = key
	report.FileSize = int64(len(out.Data))
	report.StorageBackend = s.artifacts.Backend()
	report.Error = ""
	report.GeneratedAt = &now
	if err := s.store.UpdateReport(ctx, report); err != nil {
		return fmt.Errorf("updating report: %w", err)
	}

	metrics.ReportJobsTotal.WithLabelValues(string(report.ReportType), "completed").Inc()
	s.logger.Info("report generated",
		"report_id", report.ID,
		"report_type", report.ReportType,
		"format", report.Format,
		"bytes", report.FileSize,
	)
	return nil
}

func (s *Service) fail(ctx context.Context, report *models.Report, cause error) error {
	report.Status = models.ReportStatusFailed
	report.Error = cause.Error()
	if err := s.store.UpdateReport(ctx, report); err != nil {
		s.logger.Error("failed to record report failure", "report_id", report.ID, "error", err)
	}
	metrics.ReportJobsTotal.WithLabelValues(string(report.ReportType), "failed").Inc()
	return cause
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, &models.NotFoundError{Entity: "report", ID: id.String()}
	}
	return report, nil
}

func (s *Service) List(ctx context.Context, reviewCycleID *uuid.UUID, limit int) ([]models.Report, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListReports(ctx, reviewCycleID, limit)
}

// Download returns a completed report and its content.
func (s *Service) Download(ctx context.Context, id uuid.UUID) (*models.Report, []byte, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if report.Status != models.ReportStatusCompleted {
		return nil, nil, &models.InvalidStateError{Entity: "report", State: string(report.Status), Operation: "download"}
	}
	data, err := s.artifacts.Get(ctx, report.FilePath)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, nil, &models.NotFoundError{Entity: "report file", ID: report.FilePath}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading artifact: %w", err)
	}
	return report, data, nil
}

// Cleanup deletes reports and artifacts older than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	old, err := s.store.ListReportsCreatedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("listing expired reports: %w", err)
	}

	removed := 0
	for _, r := range old {
		if r.FilePath != "" {
			if err := s.artifacts.Delete(ctx, r.FilePath); err != nil {
				s.logger.Warn("failed to delete report artifact", "report_id", r.ID, "path", r.FilePath, "error", err)
				continue
			}
		}
		if err := s.store.DeleteReport(ctx, r.ID); err != nil {
			return removed, fmt.Errorf("deleting report %s: %w", r.ID, err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired reports removed", "count", removed)
	}
	return removed, nil
}
