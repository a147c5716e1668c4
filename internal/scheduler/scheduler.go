// Package scheduler runs persisted cron jobs: review due-date reminders,
// report generation and retention, access graph sync and cloud access
// collection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/qualys/accessreview/internal/metrics"
	"github.com/qualys/accessreview/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

// Job represents a scheduled job
type Job struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Schedule    string     `json:"schedule" db:"schedule"` // Cron expression
	JobType     JobType    `json:"jobType" db:"job_type"`
	Config      JobConfig  `json:"config" db:"config"`
	Enabled     bool       `json:"enabled" db:"enabled"`
	LastRun     *time.Time `json:"lastRun,omitempty" db:"last_run"`
	NextRun     *time.Time `json:"nextRun,omitempty" db:"next_run"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

type JobType string

const (
	JobTypeReviewReminders JobType = "review_reminders"
	JobTypeReportCleanup   JobType = "report_cleanup"
	JobTypeGenerateReport  JobType = "generate_report"
	JobTypeSyncAccessGraph JobType = "sync_access_graph"
	JobTypeCollectAccess   JobType = "collect_access"
)

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"jobId" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"startedAt" db:"started_at"`
	EndedAt   *time.Time      `json:"endedAt,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// JobHandler executes one run of a job. The returned string is kept as the
// execution output.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store defines the interface for job persistence
type Store interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	GetJobByName(ctx context.Context, name string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	store    Store
	handlers map[JobType]JobHandler
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewScheduler(store Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:   parser,
		store:    store,
		handlers: make(map[JobType]JobHandler),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
	}
}

// cronLogger routes cron's own diagnostics (skipped overlaps, recovered
// panics) into slog. Info is debug level; cron logs every wake-up.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// Start schedules every enabled persisted job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Enabled {
			if err := s.scheduleJob(job); err != nil {
				s.logger.Error("failed to schedule job",
					"job_id", job.ID,
					"job_name", job.Name,
					"error", err)
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(jobs))

	return nil
}

// Stop stops the cron loop. The returned context is done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) validate(job *Job) error {
	if job.Name == "" {
		return models.NewValidationError("name", "is required")
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return models.NewValidationError("schedule", fmt.Sprintf("invalid cron expression: %v", err))
	}
	s.mu.RLock()
	_, ok := s.handlers[job.JobType]
	s.mu.RUnlock()
	if !ok {
		return models.NewValidationError("jobType", fmt.Sprintf("unsupported job type %q", job.JobType))
	}
	return nil
}

func (s *Scheduler) AddJob(ctx context.Context, job *Job) error {
	if err := s.validate(job); err != nil {
		return err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// EnsureJob creates or reschedules a built-in job by name. An empty
// schedule disables it.
func (s *Scheduler) EnsureJob(ctx context.Context, name string, jobType JobType, schedule string, config map[string]string) error {
	existing, err := s.store.GetJobByName(ctx, name)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}

	if existing == nil {
		if schedule == "" {
			return nil
		}
		return s.AddJob(ctx, &Job{
			Name:     name,
			Schedule: schedule,
			JobType:  jobType,
			Config:   config,
			Enabled:  true,
		})
	}

	if schedule == "" {
		existing.Enabled = false
	} else {
		existing.Schedule = schedule
		existing.Enabled = true
	}
	existing.JobType = jobType
	existing.Config = config
	return s.UpdateJob(ctx, existing)
}

func (s *Scheduler) UpdateJob(ctx context.Context, job *Job) error {
	if err := s.validate(job); err != nil {
		return err
	}
	s.unscheduleJob(job.ID)

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unscheduleJob(id)
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) EnableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = true
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	return s.scheduleJob(job)
}

func (s *Scheduler) DisableJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	job.Enabled = false
	s.unscheduleJob(id)
	return s.store.UpdateJob(ctx, job)
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.GetJobExecutions(ctx, jobID, limit)
}

// RunJobNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) (*JobExecution, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.executeJob(ctx, job), nil
}

// GetNextRuns returns the next N runs for a job
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	entryID, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	entry := s.cron.Entry(entryID)
	if entry.ID == 0 {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now())
	}
	for i := 0; i < count; i++ {
		runs = append(runs, next)
		next = entry.Schedule.Next(next)
	}

	return runs
}

func (s *Scheduler) scheduleJob(job *Job) error {
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("parsing schedule of %s: %w", job.Name, err)
	}

	jobID := job.ID
	run := cron.FuncJob(func() {
		ctx := context.Background()
		current, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Error("scheduled job vanished", "job_id", jobID, "error", err)
			return
		}
		if !current.Enabled {
			return
		}
		s.executeJob(ctx, current)
	})

	s.mu.Lock()
	if old, ok := s.entries[jobID]; ok {
		s.cron.Remove(old)
	}
	s.entries[jobID] = s.cron.Schedule(sched, run)
	s.mu.Unlock()

	next := sched.Next(time.Now())
	job.NextRun = &next
	s.logger.Info("job scheduled", "job_id", jobID, "job_name", job.Name, "schedule", job.Schedule, "next_run", next)
	return nil
}

func (s *Scheduler) unscheduleJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// executeJob runs job once and records the execution. It never returns nil.
func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobExecution {
	exec := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	log := s.logger.With("job_id", job.ID, "job_name", job.Name, "execution_id", exec.ID)
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		log.Error("recording execution start", "error", err)
	}

	output, err := s.run(ctx, job)

	ended := time.Now()
	exec.EndedAt = &ended
	exec.Output = output
	exec.Status = StatusCompleted
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		log.Error("job failed", "error", err, "duration", ended.Sub(exec.StartedAt))
	} else {
		log.Info("job completed", "output", output, "duration", ended.Sub(exec.StartedAt))
	}
	metrics.ScheduledJobRunsTotal.WithLabelValues(string(job.JobType), string(exec.Status)).Inc()

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		log.Error("recording execution result", "error", err)
	}
	if err := s.store.UpdateLastRun(ctx, job.ID, exec.StartedAt); err != nil && !errors.Is(err, ErrJobNotFound) {
		log.Error("recording last run", "error", err)
	}
	return exec
}

// run invokes the job's handler, turning a panic into an error so manual
// runs fail the execution instead of the request.
func (s *Scheduler) run(ctx context.Context, job *Job) (output string, err error) {
	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no handler registered for job type %s", job.JobType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Handlers adapts service calls into job handlers. Nil funcs are skipped.
type Handlers struct {
	RemindFunc  func(ctx context.Context) (overdue, dueSoon int, err error)
	CleanupFunc func(ctx context.Context, olderThan time.Duration) (int, error)
	ReportFunc  func(ctx context.Context, reviewCycleID uuid.UUID, reportType models.ReportType, format models.ReportFormat) error
	SyncFunc    func(ctx context.Context) error
	CollectFunc func(ctx context.Context, reviewCycleID uuid.UUID, provider string) error

	// DefaultRetention applies when a cleanup job has no retention_days.
	DefaultRetention time.Duration
}

func (h *Handlers) Register(s *Scheduler) {
	if h.RemindFunc != nil {
		s.RegisterHandler(JobTypeReviewReminders, func(ctx context.Context, job *Job) (string, error) {
			overdue, dueSoon, err := h.RemindFunc(ctx)
			return fmt.Sprintf("overdue=%d due_soon=%d", overdue, dueSoon), err
		})
	}

	if h.CleanupFunc != nil {
		s.RegisterHandler(JobTypeReportCleanup, func(ctx context.Context, job *Job) (string, error) {
			retention := h.DefaultRetention
			if d, ok := job.Config["retention_days"]; ok {
				days, err := strconv.Atoi(d)
				if err != nil || days <= 0 {
					return "", fmt.Errorf("invalid retention_days %q", d)
				}
				retention = time.Duration(days) * 24 * time.Hour
			}
			removed, err := h.CleanupFunc(ctx, retention)
			return fmt.Sprintf("removed=%d", removed), err
		})
	}

	if h.ReportFunc != nil {
		s.RegisterHandler(JobTypeGenerateReport, func(ctx context.Context, job *Job) (string, error) {
			cycleID, err := configUUID(job, "review_cycle_id")
			if err != nil {
				return "", err
			}
			reportType := models.ReportType(job.Config["report_type"])
			format := models.ReportFormat(job.Config["format"])
			if format == "" {
				format = models.ReportFormatPDF
			}
			return "", h.ReportFunc(ctx, cycleID, reportType, format)
		})
	}

	if h.SyncFunc != nil {
		s.RegisterHandler(JobTypeSyncAccessGraph, func(ctx context.Context, job *Job) (string, error) {
			return "", h.SyncFunc(ctx)
		})
	}

	if h.CollectFunc != nil {
		s.RegisterHandler(JobTypeCollectAccess, func(ctx context.Context, job *Job) (string, error) {
			cycleID, err := configUUID(job, "review_cycle_id")
			if err != nil {
				return "", err
			}
			provider := job.Config["provider"]
			if provider == "" {
				return "", fmt.Errorf("provider not specified in job config")
			}
			return "", h.CollectFunc(ctx, cycleID, provider)
		})
	}
}

func configUUID(job *Job, key string) (uuid.UUID, error) {
	raw := job.Config[key]
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s not specified in job config", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return id, nil
}
