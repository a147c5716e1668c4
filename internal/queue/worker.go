package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Source is the queue side the worker consumes. *Queue implements it.
type Source interface {
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	Complete(ctx context.Context, job *Job, success bool) error
	Requeue(ctx context.Context, job *Job, errorMsg string) error
	Heartbeat(ctx context.Context, workerID string) error
	CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error)
}

type Handler func(ctx context.Context, job *Job) error

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Worker pulls jobs from a Source and dispatches them by type. Handlers
// see a context that ends at the job timeout or at Stop.
type Worker struct {
	id       string
	source   Source
	handlers map[JobType]Handler
	logger   *slog.Logger

	concurrency   int
	jobTimeout    time.Duration
	pollInterval  time.Duration
	errorBackoff  time.Duration
	heartbeatRate time.Duration
	staleEvery    time.Duration
	staleAfter    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs run at once. Default 1.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithJobTimeout bounds a single handler call. Default 15 minutes.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.jobTimeout = d
		}
	}
}

func NewWorker(source Source, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	id := host + "-" + uuid.NewString()[:8]

	w := &Worker{
		id:            id,
		source:        source,
		handlers:      make(map[JobType]Handler),
		logger:        logger.With("worker_id", id),
		concurrency:   1,
		jobTimeout:    15 * time.Minute,
		pollInterval:  time.Second,
		errorBackoff:  5 * time.Second,
		heartbeatRate: 10 * time.Second,
		staleEvery:    5 * time.Minute,
		staleAfter:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() string {
	return w.id
}

// Handle registers the handler for a job type. Call before Start.
func (w *Worker) Handle(t JobType, h Handler) {
	w.handlers[t] = h
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.group != nil {
		return errors.New("worker already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)

	w.logger.Info("worker starting", "concurrency", w.concurrency, "job_types", len(w.handlers))
	w.group.Go(func() error {
		w.every(ctx, w.heartbeatRate, func() {
			if err := w.source.Heartbeat(ctx, w.id); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		})
		return nil
	})
	w.group.Go(func() error {
		w.every(ctx, w.staleEvery, func() {
			n, err := w.source.CleanupStaleJobs(ctx, w.staleAfter)
			if err != nil {
				w.logger.Error("recovering stale jobs", "error", err)
			} else if n > 0 {
				w.logger.Info("recovered stale jobs", "count", n)
			}
		})
		return nil
	})
	for i := 0; i < w.concurrency; i++ {
		w.group.Go(func() error {
			w.poll(ctx)
			return nil
		})
	}
	return nil
}

// Stop cancels the loops and waits for running jobs to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	group, cancel := w.group, w.cancel
	w.group, w.cancel = nil, nil
	w.mu.Unlock()
	if group == nil {
		return
	}

	w.logger.Info("worker stopping")
	cancel()
	_ = group.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.source.Dequeue(ctx, w.id)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			w.logger.Error("dequeue failed", "error", err)
			sleepCtx(ctx, w.errorBackoff)
		case job == nil:
			sleepCtx(ctx, w.pollInterval)
		default:
			w.process(ctx, job)
		}
	}
}

// process runs one job and settles it with the source. Settlement uses a
// context that survives Stop so a claimed job is never left dangling.
func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts+1)
	settle := context.WithoutCancel(ctx)

	handler, ok := w.handlers[job.Type]
	if !ok {
		log.Error("no handler registered for job type")
		_ = w.source.Complete(settle, job, false)
		return
	}

	start := time.Now()
	err := w.invoke(ctx, handler, job)
	log = log.With("duration", time.Since(start))

	switch {
	case err == nil:
		log.Info("job completed")
		if cerr := w.source.Complete(settle, job, true); cerr != nil {
			log.Error("marking job complete", "error", cerr)
		}
	case errors.Is(err, ErrPermanent):
		log.Error("job failed permanently", "error", err)
		_ = w.source.Complete(settle, job, false)
	default:
		log.Warn("job failed, requeueing", "error", err)
		if rerr := w.source.Requeue(settle, job, err.Error()); rerr != nil {
			log.Error("requeueing job", "error", rerr)
		}
	}
}

// invoke calls h under the job timeout. A panic fails the job permanently.
func (w *Worker) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v: %w", r, ErrPermanent)
		}
	}()
	return h(ctx, job)
}
