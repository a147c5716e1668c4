package scheduler

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// JobConfig is a job's free-form parameters, stored as JSONB.
type JobConfig map[string]string

func (c JobConfig) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func (c *JobConfig) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scanning job config: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(raw, c)
}

const (
	jobColumns  = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`
	execColumns = `id, job_id, status, started_at, ended_at, error, output`
)

// PostgresStore keeps jobs in scheduled_jobs and their history in
// job_executions.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) getJob(ctx context.Context, where string, arg interface{}) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE ` + where + ` ORDER BY created_at LIMIT 1`
	if err := s.db.GetContext(ctx, &job, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("loading job: %w", err)
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	return s.getJob(ctx, "id = $1", id)
}

// GetJobByName returns the oldest job with the given name.
func (s *PostgresStore) GetJobByName(ctx context.Context, name string) (*Job, error) {
	return s.getJob(ctx, "name = $1", name)
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	jobs := []*Job{}
	if err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (:id, :name, :description, :schedule, :job_type, :config, :enabled,
		        :last_run, :next_run, :created_at, :updated_at)`, job)
	if err != nil {
		return fmt.Errorf("inserting job %q: %w", job.Name, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE scheduled_jobs
		SET name = :name, description = :description, schedule = :schedule,
		    job_type = :job_type, config = :config, enabled = :enabled,
		    next_run = :next_run, updated_at = :updated_at
		WHERE id = :id`, job)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	return requireRow(res)
}

// DeleteJob is idempotent; executions go with the job via ON DELETE CASCADE.
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW() WHERE id = $1`, id, lastRun)
	if err != nil {
		return fmt.Errorf("recording run of job %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_executions (`+execColumns+`)
		VALUES (:id, :job_id, :status, :started_at, :ended_at, :error, :output)`, exec)
	if err != nil {
		return fmt.Errorf("inserting execution for job %s: %w", exec.JobID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE job_executions
		SET status = :status, ended_at = :ended_at, error = :error, output = :output
		WHERE id = :id`, exec)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", exec.ID, err)
	}
	return nil
}

// GetJobExecutions returns the newest executions first.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	execs := []*JobExecution{}
	if _, err := uuid.Parse(jobID); err != nil {
		return execs, nil
	}
	err := s.db.SelectContext(ctx, &execs,
		`SELECT `+execColumns+` FROM job_executions WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions of job %s: %w", jobID, err)
	}
	return execs, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
