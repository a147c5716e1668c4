// Package queue is a small Redis-backed job queue for report rendering and
// cloud access collection.
//
// Payloads live in one hash keyed by job id. The pending set is scored by
// due time, so a retry is delayed by scoring it in the future. The
// processing set is scored by claim time, which is how stale claims are
// found.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyJobs       = "uar:jobs"
	keyPending    = "uar:jobs:pending"
	keyProcessing = "uar:jobs:processing"
	keyCompleted  = "uar:jobs:completed"
	keyFailed     = "uar:jobs:failed"
	keyHeartbeat  = "uar:workers:heartbeat"
	progressKey   = "uar:job:progress:"

	MaxAttempts = 3

	// historyLimit caps the completed and failed id lists.
	historyLimit = 1000
	progressTTL  = 24 * time.Hour
	retryStep    = 30 * time.Second
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

type JobType string

const (
	// JobTypeReport renders a PENDING report row.
	JobTypeReport JobType = "report"
	// JobTypeCollect pulls an access snapshot from a cloud provider and
	// imports it into a review cycle.
	JobTypeCollect JobType = "collect"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Job struct {
	ID            uuid.UUID  `json:"id"`
	Type          JobType    `json:"type"`
	ReportID      *uuid.UUID `json:"report_id,omitempty"`
	ReviewCycleID *uuid.UUID `json:"review_cycle_id,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	RequestedBy   string     `json:"requested_by,omitempty"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
}

// JobProgress is the externally visible state of a job. It expires a day
// after its last update.
type JobProgress struct {
	JobID       uuid.UUID  `json:"job_id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Errors      []string   `json:"errors"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
}

// dueScore orders the pending set: earlier is sooner, and each priority
// point moves a job ahead by roughly a quarter hour.
func dueScore(at time.Time, priority int) float64 {
	return float64(at.Unix() - int64(priority)*1000)
}

func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	id := job.ID.String()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyJobs, id, payload)
		p.ZAdd(ctx, keyPending, redis.Z{Score: dueScore(job.CreatedAt, job.Priority), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}

	return q.UpdateProgress(ctx, &JobProgress{JobID: job.ID, Type: job.Type, Status: JobStatusPending})
}

// EnqueueReport queues generation of an existing report row.
func (q *Queue) EnqueueReport(ctx context.Context, reportID uuid.UUID) error {
	return q.Enqueue(ctx, &Job{Type: JobTypeReport, ReportID: &reportID, Priority: 1})
}

// EnqueueCollection queues a cloud access snapshot import.
func (q *Queue) EnqueueCollection(ctx context.Context, reviewCycleID uuid.UUID, provider, requestedBy string) (*Job, error) {
	job := &Job{
		Type:          JobTypeCollect,
		ReviewCycleID: &reviewCycleID,
		Provider:      provider,
		RequestedBy:   requestedBy,
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Dequeue claims the next due job for workerID. It returns (nil, nil) when
// nothing is due or another worker won the claim.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, keyPending, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	id := ids[0]
	won, err := q.client.ZRem(ctx, keyPending, id).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	if won == 0 {
		return nil, nil
	}
	if err := q.client.ZAdd(ctx, keyProcessing, redis.Z{Score: float64(now.Unix()), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("marking job %s processing: %w", id, err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.client.ZRem(ctx, keyProcessing, id)
		return nil, nil
	}

	_ = q.UpdateProgress(ctx, &JobProgress{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    JobStatusRunning,
		StartedAt: &now,
		WorkerID:  workerID,
	})
	return job, nil
}

// load returns nil when the payload is gone.
func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.HGet(ctx, keyJobs, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// Complete retires a claimed job into the completed or failed history.
func (q *Queue) Complete(ctx context.Context, job *Job, success bool) error {
	history, status := keyCompleted, JobStatusCompleted
	if !success {
		history, status = keyFailed, JobStatusFailed
	}

	id := job.ID.String()
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyProcessing, id)
		p.HDel(ctx, keyJobs, id)
		p.LPush(ctx, history, id)
		p.LTrim(ctx, history, 0, historyLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retiring job %s: %w", id, err)
	}

	now := time.Now()
	progress := q.progressOf(ctx, job)
	progress.Status = status
	progress.CompletedAt = &now
	_ = q.UpdateProgress(ctx, progress)
	return nil
}

// Requeue returns a failed job to the pending set, due after a linear
// backoff, or fails it for good once MaxAttempts is reached.
func (q *Queue) Requeue(ctx context.Context, job *Job, errorMsg string) error {
	job.Attempts++
	progress := q.progressOf(ctx, job)
	progress.Errors = append(progress.Errors, errorMsg)

	if job.Attempts >= MaxAttempts {
		_ = q.UpdateProgress(ctx, progress)
		return q.Complete(ctx, job, false)
	}

	if err := q.putBack(ctx, job, time.Now().Add(time.Duration(job.Attempts)*retryStep)); err != nil {
		return err
	}
	progress.Status = JobStatusPending
	progress.WorkerID = ""
	_ = q.UpdateProgress(ctx, progress)
	return nil
}

func (q *Queue) putBack(ctx context.Context, job *Job, due time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	id := job.ID.String()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyProcessing, id)
		p.HSet(ctx, keyJobs, id, payload)
		p.ZAdd(ctx, keyPending, redis.Z{Score: float64(due.Unix()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeueing job %s: %w", id, err)
	}
	return nil
}

func (q *Queue) progressOf(ctx context.Context, job *Job) *JobProgress {
	progress, err := q.GetProgress(ctx, job.ID)
	if err != nil || progress == nil {
		return &JobProgress{JobID: job.ID, Type: job.Type}
	}
	return progress
}

func (q *Queue) UpdateProgress(ctx context.Context, progress *JobProgress) error {
	progress.UpdatedAt = time.Now()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if err := q.client.Set(ctx, progressKey+progress.JobID.String(), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("saving progress of job %s: %w", progress.JobID, err)
	}
	return nil
}

// GetProgress returns (nil, nil) for unknown or expired jobs.
func (q *Queue) GetProgress(ctx context.Context, jobID uuid.UUID) (*JobProgress, error) {
	raw, err := q.client.Get(ctx, progressKey+jobID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress of job %s: %w", jobID, err)
	}
	var progress JobProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return nil, fmt.Errorf("decoding progress of job %s: %w", jobID, err)
	}
	return &progress, nil
}

// Stats counts jobs per state. Completed and failed are capped at the
// retained history.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	var pending, processing, completed, failed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.ZCard(ctx, keyPending)
		processing = p.ZCard(ctx, keyProcessing)
		completed = p.LLen(ctx, keyCompleted)
		failed = p.LLen(ctx, keyFailed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading queue stats: %w", err)
	}
	return map[string]int64{
		"pending":    pending.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.HSet(ctx, keyHeartbeat, workerID, time.Now().Unix()).Err()
}

// ActiveWorkers lists workers seen within timeout and forgets the rest.
func (q *Queue) ActiveWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	seen, err := q.client.HGetAll(ctx, keyHeartbeat).Result()
	if err != nil {
		return nil, fmt.Errorf("reading worker heartbeats: %w", err)
	}

	cutoff := time.Now().Add(-timeout).Unix()
	active := make([]string, 0, len(seen))
	var gone []string
	for id, raw := range seen {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts <= cutoff {
			gone = append(gone, id)
			continue
		}
		active = append(active, id)
	}
	if len(gone) > 0 {
		q.client.HDel(ctx, keyHeartbeat, gone...)
	}
	return active, nil
}

// CleanupStaleJobs recovers jobs claimed longer than timeout ago, usually by
// a worker that died. Each recovery counts as an attempt.
func (q *Queue) CleanupStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, keyProcessing, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Add(-timeout).Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading processing jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			q.client.ZRem(ctx, keyProcessing, id)
			continue
		}
		if err := q.Requeue(ctx, job, "claim expired"); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
