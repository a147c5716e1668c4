// Package app assembles the services from configuration. The server binary
// and the uarctl commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/qualys/accessreview/internal/api"
	"github.com/qualys/accessreview/internal/artifacts"
	"github.com/qualys/accessreview/internal/auth"
	"github.com/qualys/accessreview/internal/catalog"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/graph"
	"github.com/qualys/accessreview/internal/models"
	"github.com/qualys/accessreview/internal/notifications"
	"github.com/qualys/accessreview/internal/queue"
	"github.com/qualys/accessreview/internal/reports"
	"github.com/qualys/accessreview/internal/review"
	"github.com/qualys/accessreview/internal/scheduler"
	"github.com/qualys/accessreview/internal/sources"
	"github.com/qualys/accessreview/internal/sources/aws"
	"github.com/qualys/accessreview/internal/sources/azure"
	"github.com/qualys/accessreview/internal/sources/gcp"
	"github.com/qualys/accessreview/internal/store"
)

// systemActor is the caller recorded for scheduled work.
var systemActor = models.Actor{UserID: "scheduler", Email: "scheduler@accessreview", Role: models.RoleAnalyst}

// App holds the core services backed by Postgres.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store         *store.Store
	Users         auth.UserStore
	Auth          *auth.Service
	Catalog       *catalog.Service
	Review        *review.Service
	Reports       *reports.Service
	Notifications *notifications.Service

	closers []func() error
}

// Open connects to the database and builds the core services.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Store: db}
	a.closers = append(a.closers, db.Close)

	a.Users = auth.NewPostgresUserStore(db.DB())
	a.Auth = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, a.Users)

	a.Notifications = notifications.NewService(notificationConfig(cfg.Notifications), logger.With("component", "notifications"))
	a.Catalog = catalog.NewService(db, logger.With("component", "catalog"))
	a.Review = review.NewService(db, logger.With("component", "review"),
		review.WithNotifier(a.Notifications),
		review.WithMaxErrorDetails(cfg.Review.MaxErrorDetails))

	artifactStore, err := artifacts.New(ctx, cfg.Reports, cfg.AWS, cfg.Azure, cfg.GCP)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("opening report storage: %w", err)
	}
	a.Reports = reports.NewService(db, reports.NewGenerator(db), artifactStore, logger.With("component", "reports"))

	return a, nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func notificationConfig(c config.NotificationsConfig) notifications.Config {
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  c.Slack.WebhookURL,
			Channel:     c.Slack.Channel,
			Username:    "Access Review",
			Enabled:     c.Slack.Enabled,
			MinSeverity: c.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    c.Email.SMTPHost,
			SMTPPort:    c.Email.SMTPPort,
			Username:    c.Email.Username,
			Password:    c.Email.Password,
			From:        c.Email.From,
			To:          c.Email.To,
			Enabled:     c.Email.Enabled,
			MinSeverity: c.MinSeverity,
		},
	}
}

// Sources registers a collector for every provider switched on in config.
// A provider that fails to initialise is logged and left out.
func (a *App) Sources(ctx context.Context) *sources.Service {
	svc := sources.NewService(a.Review, a.Logger.With("component", "sources"))
	cfg := a.Config

	if cfg.Sources.AWS {
		if c, err := aws.New(ctx, cfg.AWS); err != nil {
			a.Logger.Error("aws collector unavailable", "error", err)
		} else {
			svc.Register(c)
		}
	}
	if cfg.Sources.Azure {
		if c, err := azure.New(cfg.Azure); err != nil {
			a.Logger.Error("azure collector unavailable", "error", err)
		} else {
			svc.Register(c)
		}
	}
	if cfg.Sources.GCP {
		if c, err := gcp.New(ctx, cfg.GCP); err != nil {
			a.Logger.Error("gcp collector unavailable", "error", err)
		} else {
			svc.Register(c)
		}
	}
	return svc
}

// Serve runs the API together with the optional queue worker, access graph
// and scheduler until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	srcs := a.Sources(ctx)

	if cfg.Redis.Enabled {
		q, err := queue.New(queue.Config{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, q.Close)
		a.Reports.SetDispatcher(q)
		srcs.SetDispatcher(q)

		worker := queue.NewWorker(q, a.Logger.With("component", "worker"),
			queue.WithConcurrency(a.Config.Redis.Workers),
			queue.WithJobTimeout(a.Config.Redis.JobTimeout),
		)
		worker.Handle(queue.JobTypeReport, func(ctx context.Context, job *queue.Job) error {
			if job.ReportID == nil {
				return fmt.Errorf("%w: report job without report id", queue.ErrPermanent)
			}
			return a.Reports.Run(ctx, *job.ReportID)
		})
		worker.Handle(queue.JobTypeCollect, srcs.RunJob)
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	var (
		querier api.GraphQuerier
		syncer  *graph.Syncer
	)
	if cfg.Neo4j.Enabled {
		g, err := graph.New(ctx, graph.Config{URI: cfg.Neo4j.URI, Username: cfg.Neo4j.User, Password: cfg.Neo4j.Password})
		if err != nil {
			return err
		}
		defer g.Close(context.Background())
		querier = g
		syncer = graph.NewSyncer(a.Store, g, a.Logger.With("component", "graph"))
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		var err error
		sched, err = a.startScheduler(ctx, srcs, syncer)
		if err != nil {
			return err
		}
		defer func() {
			<-sched.Stop().Done()
		}()
	}

	server := api.NewServer(cfg, api.Deps{
		Store:     a.Store,
		Auth:      a.Auth,
		Users:     a.Users,
		Catalog:   a.Catalog,
		Review:    a.Review,
		Reports:   a.Reports,
		Sources:   srcs,
		Scheduler: sched,
		Graph:     querier,
	}, api.WithLogger(a.Logger.With("component", "api")))
	return server.Run(ctx)
}

type builtinJob struct {
	name     string
	jobType  scheduler.JobType
	schedule string
}

func (a *App) startScheduler(ctx context.Context, srcs *sources.Service, syncer *graph.Syncer) (*scheduler.Scheduler, error) {
	cfg := a.Config
	sched := scheduler.NewScheduler(scheduler.NewPostgresStore(a.Store.DB()), a.Logger.With("component", "scheduler"))
	reminders := scheduler.NewReminders(a.Review, a.Notifications, cfg.Review.DueSoonDays, a.Logger.With("component", "reminders"))

	handlers := scheduler.Handlers{
		RemindFunc:  reminders.Run,
		CleanupFunc: a.Reports.Cleanup,
		ReportFunc: func(ctx context.Context, reviewCycleID uuid.UUID, reportType models.ReportType, format models.ReportFormat) error {
			report, err := a.Reports.Request(ctx, reports.RequestInput{
				ReviewCycleID: reviewCycleID,
				ReportType:    reportType,
				Format:        format,
			}, systemActor)
			if err != nil {
				return err
			}
			if report.Status == models.ReportStatusFailed {
				return fmt.Errorf("report %s failed: %s", report.ID, report.Error)
			}
			return nil
		},
		CollectFunc: func(ctx context.Context, reviewCycleID uuid.UUID, provider string) error {
			_, err := srcs.Request(ctx, reviewCycleID, provider, systemActor)
			return err
		},
		DefaultRetention: cfg.Reports.Retention,
	}
	if syncer != nil {
		handlers.SyncFunc = syncer.Sync
	}
	handlers.Register(sched)

	builtins := []builtinJob{
		{"review-reminders", scheduler.JobTypeReviewReminders, cfg.Scheduler.OverdueCheck},
		{"report-cleanup", scheduler.JobTypeReportCleanup, cfg.Scheduler.ReportCleanup},
	}
	if syncer != nil {
		builtins = append(builtins, builtinJob{"access-graph-sync", scheduler.JobTypeSyncAccessGraph, cfg.Scheduler.GraphSync})
	}
	for _, b := range builtins {
		if err := sched.EnsureJob(ctx, b.name, b.jobType, b.schedule, nil); err != nil {
			return nil, fmt.Errorf("ensuring %s job: %w", b.name, err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}
