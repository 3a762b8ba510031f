// Package inkstone is the public API for embedding the Inkstone autonomous
// writing engine.
//
// Consumers construct and run the engine without forking it:
//
//	app, err := inkstone.New(
//	    inkstone.WithVersion(version),
//	    inkstone.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: inkstone (root) imports
// internal/*, but internal/* never imports inkstone (root).
package inkstone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/inkstone-app/inkstone/internal/batch"
	"github.com/inkstone-app/inkstone/internal/config"
	"github.com/inkstone-app/inkstone/internal/events"
	"github.com/inkstone-app/inkstone/internal/generation"
	"github.com/inkstone-app/inkstone/internal/health"
	"github.com/inkstone-app/inkstone/internal/model"
	"github.com/inkstone-app/inkstone/internal/quality"
	"github.com/inkstone-app/inkstone/internal/ratelimit"
	"github.com/inkstone-app/inkstone/internal/scheduler"
	"github.com/inkstone-app/inkstone/internal/server"
	"github.com/inkstone-app/inkstone/internal/storage"
	"github.com/inkstone-app/inkstone/internal/telemetry"
	"github.com/inkstone-app/inkstone/migrations"
)

// App is the Inkstone engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	sched        *scheduler.Scheduler
	probe        *health.Probe
	bus          *events.Bus
	limiter      *ratelimit.Limiter
	eventLog     *batch.Coordinator[model.DomainEvent]
	activityLog  *batch.Coordinator[model.LogEntry]
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It opens the datastore, runs migrations, and
// wires all subsystems. It does NOT start any goroutines or accept HTTP
// connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("inkstone starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Open the datastore and warm the connection pool.
	if dir := filepath.Dir(cfg.DatabasePath); cfg.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("create data dir: %w", err))
		}
	}
	driver, err := storage.OpenSQLite(cfg.DatabasePath, cfg.PoolMaxConns)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}
	pool, err := storage.NewPool(context.Background(), driver, storage.PoolConfig{
		MinConns:       cfg.PoolMinConns,
		MaxConns:       cfg.PoolMaxConns,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("pool: %w", err))
	}
	db := storage.NewDB(pool, logger)
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		_ = db.Close(context.Background())
		return fail(fmt.Errorf("migrations: %w", err))
	}

	// Durable write paths: the domain event log and the activity log both go
	// through batch coordinators.
	eventLog := batch.NewCoordinator("event_log", pool, batch.Config[model.DomainEvent]{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchFlushEvery,
		Concurrency:   cfg.BatchConcurrency,
		MaxRetries:    cfg.BatchMaxRetries,
		Write:         storage.InsertDomainEvent,
	}, logger)
	activityLog := batch.NewCoordinator("activity_log", pool, batch.Config[model.LogEntry]{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.BatchFlushEvery,
		Concurrency:   cfg.BatchConcurrency,
		MaxRetries:    cfg.BatchMaxRetries,
		Write:         storage.InsertLogEntry,
	}, logger)

	// Every published event is queued for the durable log before handlers run.
	bus := events.NewBus(logger, nil)
	bus.Use(events.LogWriter(func(_ context.Context, e model.DomainEvent) error {
		eventLog.Add(e)
		return nil
	}))

	gen := o.genClient
	if gen == nil {
		gen = generation.NewHTTPClient(cfg.GenerationURL, cfg.GenerationAPIKey, cfg.GenerationTimeout)
	}
	gate := quality.NewGate(gen, cfg.AssessmentModel, logger)

	// The probe reads limits through the scheduler so config updates apply
	// without a restart. sched is assigned below; the probe only samples
	// after Run() starts it.
	var sched *scheduler.Scheduler
	probe := health.NewProbe(func() model.ResourceLimits {
		if sched == nil {
			return model.DefaultAutonomousConfig().ResourceLimits
		}
		return sched.Config().ResourceLimits
	}, cfg.HealthSampleEvery, logger)

	sched = scheduler.New(scheduler.Deps{
		DB:          db,
		Gen:         gen,
		GenModel:    cfg.GenerationModel,
		Gate:        gate,
		Probe:       probe,
		Bus:         bus,
		ActivityLog: activityLog,
		Logger:      logger,
	})

	limiter := ratelimit.New(5, 10)

	srv := server.New(server.Config{
		DB:           db,
		Scheduler:    sched,
		Probe:        probe,
		Limiter:      limiter,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		sched:        sched,
		probe:        probe,
		limiter:      limiter,
		bus:          bus,
		eventLog:     eventLog,
		activityLog:  activityLog,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Scheduler exposes the scheduler for embedding consumers and tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Bus exposes the event bus so consumers can subscribe to domain events.
func (a *App) Bus() *events.Bus { return a.bus }

// Handler returns the HTTP handler, for tests and custom servers.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts the background services and the HTTP server, then blocks until
// ctx is cancelled or the server fails. On cancellation it performs a graceful
// shutdown and returns its error, if any.
func (a *App) Run(ctx context.Context) error {
	a.probe.Start(ctx)
	a.eventLog.Start(ctx)
	a.activityLog.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops everything in dependency order: HTTP intake first, then the
// scheduler, then the coordinators drain their queues, and finally the pool
// and telemetry close.
func (a *App) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var firstErr error
	record := func(stage string, err error) {
		if err != nil {
			a.logger.Error("shutdown: "+stage, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", stage, err)
			}
		}
	}

	record("http", a.srv.Shutdown(ctx))
	record("scheduler", a.sched.Stop(ctx))
	a.probe.Stop()
	_ = a.limiter.Close()
	a.activityLog.Close(ctx)
	a.eventLog.Close(ctx)
	record("storage", a.db.Close(ctx))
	record("telemetry", a.otelShutdown(ctx))

	a.logger.Info("inkstone stopped")
	return firstErr
}
