package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []*Job
	completed map[uuid.UUID]bool
	requeued  []string
}

func newFakeSource(jobs ...*Job) *fakeSource {
	return &fakeSource{pending: jobs, completed: make(map[uuid.UUID]bool)}
}

func (f *fakeSource) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	return job, nil
}

func (f *fakeSource) Complete(ctx context.Context, job *Job, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[job.ID] = success
	return nil
}

func (f *fakeSource) Requeue(ctx context.Context, job *Job, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, errorMsg)
	return nil
}

func (f *fakeSource) Heartbeat(ctx context.Context, workerID string) error { return nil }

func (f *fakeSource) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeSource) outcome(id uuid.UUID) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	success, ok := f.completed[id]
	return success, ok
}

func TestWorker_ProcessRoutesByType(t *testing.T) {
	reportID := uuid.New()
	ok := &Job{ID: uuid.New(), Type: JobTypeReport, ReportID: &reportID}
	retry := &Job{ID: uuid.New(), Type: JobTypeCollect, Provider: "aws"}
	permanent := &Job{ID: uuid.New(), Type: JobTypeCollect, Provider: "oracle"}
	unknown := &Job{ID: uuid.New(), Type: "mystery"}

	src := newFakeSource()
	w := NewWorker(src, nil)

	var seen []uuid.UUID
	w.Handle(JobTypeReport, func(ctx context.Context, job *Job) error {
		seen = append(seen, *job.ReportID)
		return nil
	})
	w.Handle(JobTypeCollect, func(ctx context.Context, job *Job) error {
		if job.Provider == "oracle" {
			return fmt.Errorf("unsupported provider: %w", ErrPermanent)
		}
		return errors.New("throttled")
	})

	for _, job := range []*Job{ok, retry, permanent, unknown} {
		w.process(context.Background(), job)
	}

	assert.Equal(t, []uuid.UUID{reportID}, seen)

	success, done := src.outcome(ok.ID)
	assert.True(t, done)
	assert.True(t, success)

	_, done = src.outcome(retry.ID)
	assert.False(t, done)
	assert.Equal(t, []string{"throttled"}, src.requeued)

	success, done = src.outcome(permanent.ID)
	assert.True(t, done)
	assert.False(t, success)

	success, done = src.outcome(unknown.ID)
	assert.True(t, done)
	assert.False(t, success)
}

func TestWorker_StartDrainsQueue(t *testing.T) {
	jobs := []*Job{
		{ID: uuid.New(), Type: JobTypeReport},
		{ID: uuid.New(), Type: JobTypeReport},
	}
	src := newFakeSource(jobs...)
	w := NewWorker(src, nil)
	w.pollInterval = 5 * time.Millisecond

	done := make(chan struct{}, len(jobs))
	w.Handle(JobTypeReport, func(ctx context.Context, job *Job) error {
		done <- struct{}{}
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "second start is rejected")

	for range jobs {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job was not processed")
		}
	}
	w.Stop()
	w.Stop()

	for _, job := range jobs {
		success, ok := src.outcome(job.ID)
		assert.True(t, ok && success)
	}
}

func TestWorker_PanicFailsJobPermanently(t *testing.T) {
	job := &Job{ID: uuid.New(), Type: JobTypeReport}
	src := newFakeSource()
	w := NewWorker(src, nil)
	w.Handle(JobTypeReport, func(ctx context.Context, job *Job) error {
		panic("nil report")
	})

	w.process(context.Background(), job)

	success, done := src.outcome(job.ID)
	assert.True(t, done)
	assert.False(t, success)
	assert.Empty(t, src.requeued)
}

func TestWorker_JobTimeout(t *testing.T) {
	job := &Job{ID: uuid.New(), Type: JobTypeCollect}
	src := newFakeSource()
	w := NewWorker(src, nil, WithJobTimeout(10*time.Millisecond))
	w.Handle(JobTypeCollect, func(ctx context.Context, job *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})

	w.process(context.Background(), job)

	require.Len(t, src.requeued, 1)
	assert.Contains(t, src.requeued[0], "deadline exceeded")
}

func TestWorker_ConcurrentDrain(t *testing.T) {
	var jobs []*Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, &Job{ID: uuid.New(), Type: JobTypeReport})
	}
	src := newFakeSource(jobs...)
	w := NewWorker(src, nil, WithConcurrency(3))
	w.pollInterval = 5 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(len(jobs))
	w.Handle(JobTypeReport, func(ctx context.Context, job *Job) error {
		wg.Done()
		return nil
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not drained")
	}
}
