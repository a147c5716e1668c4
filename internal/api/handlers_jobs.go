package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/accessreview/internal/scheduler"
)

type jobRequest struct {
	Name        string            `json:"name" validate:"required,max=200"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule" validate:"required"`
	JobType     scheduler.JobType `json:"jobType" validate:"required"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (req *jobRequest) job(id string) *scheduler.Job {
	return &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}
}

type jobView struct {
	*scheduler.Job
	UpcomingRuns []time.Time `json:"upcomingRuns,omitempty"`
}

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "SCHEDULER_DISABLED", "scheduler is not enabled")
		return false
	}
	return true
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	jobs, err := s.scheduler.ListJobs(r.Context())
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = jobView{Job: job}
		if job.Enabled {
			views[i].UpcomingRuns = s.scheduler.GetNextRuns(job.ID, 3)
		}
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req jobRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	job := req.job("")
	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req jobRequest
	if err := s.bind(r, &req); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	job := req.job(chi.URLParam(r, "jobID"))
	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	exec, err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	execs, err := s.scheduler.Executions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondServiceError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, execs)
}
