package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process. Used when no database is configured
// and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]Job
	execs []JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

func copyJob(j Job) *Job {
	if j.Config != nil {
		cfg := make(map[string]string, len(j.Config))
		for k, v := range j.Config {
			cfg[k] = v
		}
		j.Config = cfg
	}
	return &j
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) GetJobByName(ctx context.Context, name string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Name == name {
			return copyJob(j), nil
		}
	}
	return nil, ErrJobNotFound
}

func (m *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = *copyJob(*job)
	return nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = *copyJob(*job)
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.LastRun = &lastRun
	m.jobs[id] = j
	return nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	m.execs = append(m.execs, *exec)
	return nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.execs {
		if m.execs[i].ID == exec.ID {
			m.execs[i] = *exec
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*JobExecution, 0)
	for i := len(m.execs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.execs[i].JobID == jobID {
			e := m.execs[i]
			out = append(out, &e)
		}
	}
	return out, nil
}
