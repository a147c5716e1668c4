package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/store"
)

func TestScheduler_EnsureJob(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := NewScheduler(st, nil)
	(&Handlers{RemindFunc: func(ctx context.Context) (int, int, error) { return 0, 0, nil }}).Register(s)

	require.NoError(t, s.EnsureJob(ctx, "review-reminders", JobTypeReviewReminders, "0 7 * * *", nil))
	job, err := st.GetJobByName(ctx, "review-reminders")
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	assert.Len(t, s.GetNextRuns(job.ID, 3), 3)

	require.NoError(t, s.EnsureJob(ctx, "review-reminders", JobTypeReviewReminders, "0 8 * * *", nil))
	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 8 * * *", jobs[0].Schedule)

	require.NoError(t, s.EnsureJob(ctx, "review-reminders", JobTypeReviewReminders, "", nil))
	job, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Nil(t, s.GetNextRuns(job.ID, 1))

	require.NoError(t, s.EnsureJob(ctx, "graph-sync", JobTypeSyncAccessGraph, "", nil))
	_, err = st.GetJobByName(ctx, "graph-sync")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_AddJobValidates(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(NewMemoryStore(), nil)
	(&Handlers{SyncFunc: func(ctx context.Context) error { return nil }}).Register(s)

	var verr *models.ValidationError
	err := s.AddJob(ctx, &Job{Name: "bad", Schedule: "every tuesday", JobType: JobTypeSyncAccessGraph})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "schedule", verr.Fields[0].Field)

	err = s.AddJob(ctx, &Job{Name: "unknown", Schedule: "@daily", JobType: JobTypeCollectAccess})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "jobType", verr.Fields[0].Field)

	assert.NoError(t, s.AddJob(ctx, &Job{Name: "sync", Schedule: "@hourly", JobType: JobTypeSyncAccessGraph, Enabled: true}))
}

func TestScheduler_RunJobNowRecordsExecution(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	s := NewScheduler(st, nil)

	cycleID := uuid.New()
	var gotCycle uuid.UUID
	var gotFormat models.ReportFormat
	var gotRetention time.Duration
	h := &Handlers{
		ReportFunc: func(ctx context.Context, id uuid.UUID, rt models.ReportType, f models.ReportFormat) error {
			gotCycle, gotFormat = id, f
			return nil
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) (int, error) {
			gotRetention = olderThan
			return 4, nil
		},
		CollectFunc: func(ctx context.Context, id uuid.UUID, provider string) error {
			return errors.New("no credentials")
		},
		DefaultRetention: 365 * 24 * time.Hour,
	}
	h.Register(s)

	report := &Job{Name: "weekly summary", Schedule: "@weekly", JobType: JobTypeGenerateReport, Config: map[string]string{
		"review_cycle_id": cycleID.String(),
		"report_type":     string(models.ReportTypeReviewSummary),
	}}
	require.NoError(t, s.AddJob(ctx, report))
	exec, err := s.RunJobNow(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, cycleID, gotCycle)
	assert.Equal(t, models.ReportFormatPDF, gotFormat)

	cleanup := &Job{Name: "cleanup", Schedule: "@daily", JobType: JobTypeReportCleanup, Config: map[string]string{"retention_days": "30"}}
	require.NoError(t, s.AddJob(ctx, cleanup))
	exec, err = s.RunJobNow(ctx, cleanup.ID)
	require.NoError(t, err)
	assert.Equal(t, "removed=4", exec.Output)
	assert.Equal(t, 30*24*time.Hour, gotRetention)

	collect := &Job{Name: "collect", Schedule: "@daily", JobType: JobTypeCollectAccess, Config: map[string]string{"review_cycle_id": cycleID.String()}}
	require.NoError(t, s.AddJob(ctx, collect))
	exec, err = s.RunJobNow(ctx, collect.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "provider not specified")

	history, err := s.Executions(ctx, cleanup.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusCompleted, history[0].Status)

	stored, err := st.GetJob(ctx, cleanup.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRun)

	_, err = s.RunJobNow(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

type recordingNotifier struct {
	overdue []string
	dueSoon []string
}

func (n *recordingNotifier) NotifyReviewOverdue(ctx context.Context, cycle *models.ReviewCycle) error {
	n.overdue = append(n.overdue, cycle.Name)
	return nil
}

func (n *recordingNotifier) NotifyReviewDueSoon(ctx context.Context, cycle *models.ReviewCycle) error {
	n.dueSoon = append(n.dueSoon, cycle.Name)
	return nil
}

func TestScheduler_RunJobNowRecoversPanic(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(NewMemoryStore(), nil)
	(&Handlers{SyncFunc: func(ctx context.Context) error { panic("graph driver gone") }}).Register(s)

	job := &Job{Name: "sync", Schedule: "@hourly", JobType: JobTypeSyncAccessGraph}
	require.NoError(t, s.AddJob(ctx, job))

	exec, err := s.RunJobNow(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "graph driver gone")
	assert.NotNil(t, exec.EndedAt)
}

func TestJobConfig_Scan(t *testing.T) {
	var c JobConfig
	require.NoError(t, c.Scan([]byte(`{"report_type":"SOD","format":"PDF"}`)))
	assert.Equal(t, "PDF", c["format"])

	require.NoError(t, c.Scan(nil))
	assert.Nil(t, c)
	assert.Error(t, c.Scan(42))

	v, err := JobConfig(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}

func TestReminders_Run(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	add := func(name string, status models.ReviewStatus, due *time.Time) {
		require.NoError(t, mem.CreateReviewCycle(ctx, &models.ReviewCycle{Name: name, Status: status, DueDate: due, Year: 2025}))
	}
	at := func(days int) *time.Time {
		d := now.AddDate(0, 0, days)
		return &d
	}
	add("late", models.ReviewStatusInReview, at(-2))
	add("soon", models.ReviewStatusAnalysisComplete, at(3))
	add("later", models.ReviewStatusDraft, at(30))
	add("done", models.ReviewStatusCompleted, at(-10))
	add("undated", models.ReviewStatusDraft, nil)

	n := &recordingNotifier{}
	r := NewReminders(mem, n, 7, nil)
	r.now = func() time.Time { return now }

	overdue, dueSoon, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, overdue)
	assert.Equal(t, 1, dueSoon)
	assert.Equal(t, []string{"late"}, n.overdue)
	assert.Equal(t, []string{"soon"}, n.dueSoon)
}
