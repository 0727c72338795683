package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/harvest-api/internal/config"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/events"
	"github.com/phrazzld/harvest-api/internal/harvest"
	"github.com/phrazzld/harvest-api/internal/platform/apify"
	"github.com/phrazzld/harvest-api/internal/platform/lock"
	"github.com/phrazzld/harvest-api/internal/platform/metrics"
	"github.com/phrazzld/harvest-api/internal/platform/postgres"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/phrazzld/harvest-api/internal/reconcile"
	"github.com/phrazzld/harvest-api/internal/recovery"
	"github.com/phrazzld/harvest-api/internal/schedule"
	"github.com/phrazzld/harvest-api/internal/service"
	"github.com/phrazzld/harvest-api/internal/store"
	"github.com/phrazzld/harvest-api/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// stores groups the ledgers the application runs on.
type stores struct {
	jobs     store.JobStore
	tasks    store.TaskStore
	reviews  store.ReviewStore
	history  store.HistoryStore
	entities store.EntityStore
}

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger   *slog.Logger
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Service interfaces
	jobService    service.JobService
	entityService service.EntityService

	// Background processing
	eventEmitter *events.Dispatcher
	worker       *worker.Worker
}

// newApplication creates a new application instance with all dependencies initialized.
// It accepts core dependencies like configuration, logger, and database connection that
// must be established before application initialization.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	client, err := apify.NewClient(apify.Config{
		BaseURL:      cfg.Provider.BaseURL,
		Token:        cfg.Provider.Token,
		ActorID:      cfg.Provider.ActorID,
		RateLimit:    cfg.Provider.RateLimit,
		Burst:        cfg.Provider.Burst,
		PollInterval: cfg.Provider.PollInterval,
		HTTPTimeout:  cfg.Provider.HTTPTimeout,
	}, logger.With("component", "apify"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider client: %w", err)
	}
	logger.Info("Provider client initialized",
		"actor_id", cfg.Provider.ActorID,
		"rate_limit", cfg.Provider.RateLimit)

	instanceLock, redisClient, err := newInstanceLock(cfg, db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize worker lock: %w", err)
	}
	app.redis = redisClient

	reviews := postgres.NewPostgresReviewStore(db, logger)
	s := stores{
		jobs:     postgres.NewPostgresJobStore(db, logger),
		tasks:    postgres.NewPostgresTaskStore(db, logger),
		reviews:  reviews,
		history:  reviews,
		entities: postgres.NewPostgresEntityStore(db, logger),
	}

	if err := app.wire(s, client, instanceLock); err != nil {
		app.cleanup()
		return nil, err
	}

	logger.Info("Application initialized successfully")
	return app, nil
}

// wire builds the services and the worker on top of the given stores.
func (app *application) wire(s stores, client provider.Client, instanceLock lock.InstanceLock) error {
	logger := app.logger
	cfg := app.config

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	var err error
	// Manual jobs that leave pacing blank get the worker-wide settings.
	app.jobService, err = service.NewJobService(s.jobs, s.tasks, s.history, logger,
		service.WithJobDefaults(cfg.Worker.CallDelay, cfg.Worker.TaskTimeout))
	if err != nil {
		return fmt.Errorf("failed to create job service: %w", err)
	}
	app.entityService, err = service.NewEntityService(s.entities, logger)
	if err != nil {
		return fmt.Errorf("failed to create entity service: %w", err)
	}

	harvester, err := harvest.NewHarvester(client, s.reviews, logger, harvest.WithObserver(app.metrics))
	if err != nil {
		return fmt.Errorf("failed to create harvester: %w", err)
	}

	// Scheduled jobs use the worker-wide pacing settings.
	defaults := domain.DefaultJobConfig()
	defaults.CallDelay = cfg.Worker.CallDelay
	defaults.TaskTimeout = cfg.Worker.TaskTimeout
	scheduler := schedule.NewScheduler(s.entities, s.jobs, s.tasks, defaults, logger)

	// The scheduler advances recurrence when a monitored task finishes.
	app.eventEmitter = events.NewDispatcher(logger)
	app.eventEmitter.Subscribe(events.TypeTaskFinished, scheduler)

	app.worker, err = worker.New(worker.Deps{
		Jobs:       s.jobs,
		Tasks:      s.tasks,
		Reviews:    s.reviews,
		History:    s.history,
		Harvester:  harvester,
		Reconciler: reconcile.NewReconciler(s.jobs, s.tasks, nil, logger),
		Recoverer:  recovery.NewRecoverer(s.tasks, cfg.Worker.StuckGrace, logger),
		Scheduler:  scheduler,
		Emitter:    app.eventEmitter,
		Metrics:    app.metrics,
		Lock:       instanceLock,
	}, worker.Config{
		TickInterval: cfg.Worker.TickInterval,
		StuckGrace:   cfg.Worker.StuckGrace,
		TaskTimeout:  cfg.Worker.TaskTimeout,
		LockRefresh:  cfg.Worker.LockRefresh,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// startWorker starts the background tick loop.
func (app *application) startWorker(ctx context.Context) error {
	if err := app.worker.Start(ctx); err != nil {
		return err
	}
	app.logger.Info("Harvest worker started",
		"tick_interval", app.config.Worker.TickInterval.String(),
		"lock_backend", app.config.Worker.LockBackend)
	return nil
}

// Run starts the application server, handling lifecycle and cleanup.
// It returns an error if the server fails to start or encounters problems.
func (app *application) Run(ctx context.Context) error {
	// Set up router using the application dependencies
	router := app.setupRouter()

	// Start the HTTP server
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	// Stop the worker first so no task is mid-write when the pool closes.
	if app.worker != nil {
		app.worker.Stop()
	}

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Error closing redis client", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
