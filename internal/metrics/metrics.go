package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Import pipeline metrics
var (
	// ImportRecordsTotal tracks imported access records by outcome
	ImportRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_import_records_total",
			Help: "Total number of imported access records by result",
		},
		[]string{"result"},
	)

	// ImportDuration tracks how long one import call takes
	ImportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "access_import_duration_seconds",
			Help:    "Access import duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)
)

// Review workflow metrics
var (
	ReviewTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_cycle_transitions_total",
			Help: "Total number of review cycle status transitions",
		},
		[]string{"from", "to"},
	)

	FindingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finding_decisions_total",
			Help: "Total number of finding decisions by decision type",
		},
		[]string{"decision"},
	)
)

// Background job metrics
var (
	// ReportJobsTotal tracks report generation jobs by status
	ReportJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_jobs_total",
			Help: "Total number of report generation jobs by status",
		},
		[]string{"report_type", "status"},
	)

	ReportGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "report_generation_duration_seconds",
			Help:    "Report generation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"report_type", "format"},
	)

	ScheduledJobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_job_runs_total",
			Help: "Total number of scheduled job executions by type and status",
		},
		[]string{"job_type", "status"},
	)

	SourceCollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_source_collections_total",
			Help: "Total number of cloud access snapshot collections by provider and status",
		},
		[]string{"provider", "status"},
	)
)

// HTTP metrics. Paths are chi route patterns, so ids do not explode the
// label space.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)
