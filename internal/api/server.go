package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/catalog"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/csvimport"
	"github.com/qualys/accessreview/internal/graph"
	"github.com/qualys/accessreview/internal/reports"
	"github.com/qualys/accessreview/internal/review"
	"github.com/qualys/accessreview/internal/scheduler"
	"github.com/qualys/accessreview/internal/sources"
	"github.com/qualys/accessreview/internal/validator"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GraphQuerier answers the cross-application access questions.
type GraphQuerier interface {
	PrivilegedAcrossApplications(ctx context.Context, minApps int) ([]graph.IdentityAccess, error)
	ConflictHolders(ctx context.Context) ([]graph.ConflictHolder, error)
	Stats(ctx context.Context) (*graph.Stats, error)
}

// Deps are the services the API serves. Sources, Scheduler and Graph are
// optional; their routes answer 503 when nil.
type Deps struct {
	Store     Pinger
	Auth      *auth.Service
	Users     auth.UserStore
	Catalog   *catalog.Service
	Review    *review.Service
	Reports   *reports.Service
	Sources   *sources.Service
	Scheduler *scheduler.Scheduler
	Graph     GraphQuerier
}

type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	http     *http.Server
	logger   *slog.Logger
	validate *validator.Validator
	csv      *csvimport.Parser

	store       Pinger
	authService *auth.Service
	userStore   auth.UserStore
	catalog     *catalog.Service
	review      *review.Service
	reports     *reports.Service
	sources     *sources.Service
	scheduler   *scheduler.Scheduler
	graph       GraphQuerier

	authLimiter *RateLimiter
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		logger:      slog.Default(),
		validate:    validator.New(),
		csv:         csvimport.New(),
		store:       deps.Store,
		authService: deps.Auth,
		userStore:   deps.Users,
		catalog:     deps.Catalog,
		review:      deps.Review,
		reports:     deps.Reports,
		sources:     deps.Sources,
		scheduler:   deps.Scheduler,
		graph:       deps.Graph,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.authLimiter = NewRateLimiter(cfg.RateLimit.AuthPerMinute, cfg.RateLimit.AuthBurst, s.logger)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	if s.cfg.Server.CORSAllowOrigin == "" || s.cfg.Server.CORSAllowOrigin == "*" {
		s.logger.Warn("CORS admits any origin; set server.cors_allow_origin to the UI origins")
	}
	origins := s.cfg.Server.CORSAllowOrigin
	if origins == "" {
		origins = "*"
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(instrument)
	s.router.Use(securityHeaders)
	s.router.Use(cors(origins))
	s.router.Use(bodyLimit(s.cfg.Server.MaxUploadBytes))
	s.router.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authLimiter.Middleware())
			r.Post("/auth/login", s.login)
			r.Post("/auth/refresh", s.refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Post("/auth/logout", s.logout)
			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdministrator))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/applications", func(r chi.Router) {
				r.Get("/", s.listApplications)
				r.Post("/", s.createApplication)
				r.Get("/{applicationID}", s.getApplication)
				r.Put("/{applicationID}", s.updateApplication)
				r.Delete("/{applicationID}", s.deleteApplication)

				r.Get("/{applicationID}/roles", s.listRoles)
				r.Post("/{applicationID}/roles", s.createRole)
				r.Put("/{applicationID}/roles/{roleID}", s.updateRole)
				r.Delete("/{applicationID}/roles/{roleID}", s.deleteRole)

				r.Get("/{applicationID}/sod-conflicts", s.listSodConflicts)
				r.Post("/{applicationID}/sod-conflicts", s.createSodConflict)
				r.Delete("/{applicationID}/sod-conflicts/{conflictID}", s.deleteSodConflict)
			})

			r.Route("/frameworks", func(r chi.Router) {
				r.Get("/", s.listFrameworks)
				r.Post("/", s.createFramework)
				r.Get("/{frameworkID}", s.getFramework)
				r.Put("/{frameworkID}", s.updateFramework)
				r.Post("/{frameworkID}/default", s.setDefaultFramework)
			})

			r.Route("/employees", func(r chi.Router) {
				r.Get("/", s.listEmployees)
				r.Post("/", s.importEmployees)
				r.Post("/import/csv", s.importEmployeesCSV)
			})

			r.Route("/review-cycles", func(r chi.Router) {
				r.Get("/", s.listReviewCycles)
				r.Post("/", s.createReviewCycle)
				r.Get("/{cycleID}", s.getReviewCycle)
				r.Delete("/{cycleID}", s.deleteReviewCycle)
				r.Post("/{cycleID}/import", s.importAccess)
				r.Post("/{cycleID}/import/csv", s.importAccessCSV)
				r.Post("/{cycleID}/collect", s.collectAccess)
				r.Get("/{cycleID}/access-records", s.listAccessRecords)
				r.Delete("/{cycleID}/access-records", s.clearAccessRecords)
				r.Patch("/{cycleID}/status", s.transitionReviewCycle)
				r.Post("/{cycleID}/analyze", s.analyzeReviewCycle)
				r.Post("/{cycleID}/attest", s.attestReviewCycle)
				r.Post("/{cycleID}/recompute", s.recomputeReviewCycle)
			})

			r.Route("/findings", func(r chi.Router) {
				r.Get("/", s.listFindings)
				r.Get("/{findingID}", s.getFinding)
				r.Patch("/{findingID}/decision", s.decideFinding)
				r.Patch("/{findingID}/status", s.updateFindingStatus)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/", s.listReports)
				r.Post("/generate", s.generateReport)
				r.Get("/{reportID}", s.getReport)
				r.Get("/{reportID}/download", s.downloadReport)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/summary", s.getDashboardSummary)
			})

			r.Route("/access-graph", func(r chi.Router) {
				r.Get("/stats", s.getGraphStats)
				r.Get("/privileged", s.getPrivilegedIdentities)
				r.Get("/sod-holders", s.getConflictHolders)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdministrator, auth.RoleISO))
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})
		})
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.authLimiter.Stop()
		return err
	case <-ctx.Done():
		s.authLimiter.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
