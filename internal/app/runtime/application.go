// Package runtime is the process composition root: it loads configuration,
// opens storage, wires every core service, and manages their lifecycle.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/alert"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/api"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/backfill"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/capture"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/lock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/scheduler"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workflow"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workqueue"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/postgres"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/system"
	"github.com/ryansmccoy/spine-core-sub006/internal/framework"
	"github.com/ryansmccoy/spine-core-sub006/internal/framework/lifecycle"
	"github.com/ryansmccoy/spine-core-sub006/internal/platform/database"
	"github.com/ryansmccoy/spine-core-sub006/internal/platform/migrations"
	"github.com/ryansmccoy/spine-core-sub006/pkg/config"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// Application wires the orchestration core and manages service lifecycle.
type Application struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *sql.DB
	hooks *lifecycle.Hooks

	Store      spinestorage.Store
	Registry   *registry.Registry
	Locks      *lock.Service
	Dispatcher *dispatcher.Dispatcher
	Capture    *capture.Service
	Queue      *workqueue.Queue
	Scheduler  *scheduler.Scheduler
	Workflows  *workflow.Runner
	Alerts     *alert.Bus
	Backfill   *backfill.Planner
	API        *api.Service

	services []system.Service
}

// NewApplication constructs an application from the ambient configuration
// (SPINE_CONFIG file plus environment overrides).
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires the core against an explicit configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	store, db, err := buildStore(context.Background(), cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	sysClock := clock.System{}

	reg := registry.New()
	locks := lock.New(store, sysClock)

	lanes := map[string]dispatcher.LaneLimits{}
	for name, lane := range cfg.Dispatcher.Lanes {
		lanes[name] = dispatcher.LaneLimits{
			MaxConcurrency: lane.MaxConcurrency,
			Retry: ledger.RetryPolicy{
				MaxRetries: lane.MaxRetries,
				Base:       time.Duration(lane.BackoffBaseMs) * time.Millisecond,
				Cap:        time.Duration(lane.BackoffCapMs) * time.Millisecond,
			},
			Timeout: time.Duration(lane.TimeoutMs) * time.Millisecond,
		}
	}

	disp := dispatcher.New(reg, store, locks, sysClock, lanes, log)

	capt := capture.New(store, sysClock, capture.Config{
		Separator: cfg.Capture.Separator,
		HashWidth: cfg.Capture.HashWidth,
	}, log)
	disp.WithCapture(capt)

	alerts := alert.New(store, sysClock, alert.Config{
		DefaultThrottleMinutes: cfg.Alerts.ChannelDefaultThrottleMinutes,
		DisableAfterFailures:   cfg.Alerts.ChannelDisableAfterConsecutiveFailures,
	}, log)
	disp.WithAlerts(alerts)

	queueBackoff := ledger.RetryPolicy{MaxRetries: 3, Base: 5 * time.Second, Cap: 10 * time.Minute}
	if lane, ok := lanes["default"]; ok {
		queueBackoff = lane.Retry
	}
	queue := workqueue.New(store, sysClock, time.Duration(cfg.WorkItem.LeaseTTLMs)*time.Millisecond, queueBackoff, log)
	reclaimer := workqueue.NewReclaimer(queue, time.Duration(cfg.WorkItem.ReclaimIntervalMs)*time.Millisecond, log)

	workflows := workflow.New(store, disp, sysClock, log)

	sched := scheduler.New(store, sysClock, scheduler.Config{
		Tick:                       time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		DefaultMisfireGraceSeconds: cfg.Scheduler.DefaultMisfireGraceSeconds,
		MaxLookbackWeeks:           cfg.Scheduler.MaxLookbackWeeks,
	}, disp, workflows, log)

	planner := backfill.New(store, store, queue, capt, sysClock, log)

	apiSvc := api.New(reg, disp, store, sched, capt, workflows)

	retrier := alert.NewRetrier(alerts, time.Minute, log)

	app := &Application{
		cfg:        cfg,
		log:        log,
		db:         db,
		hooks:      lifecycle.NewHooks(),
		Store:      store,
		Registry:   reg,
		Locks:      locks,
		Dispatcher: disp,
		Capture:    capt,
		Queue:      queue,
		Scheduler:  sched,
		Workflows:  workflows,
		Alerts:     alerts,
		Backfill:   planner,
		API:        apiSvc,
		services:   []system.Service{sched, reclaimer, retrier},
	}

	app.hooks.OnPreStopNamed("sweep-locks", func(ctx context.Context) error {
		_, err := locks.Sweep(ctx)
		return err
	})

	return app, nil
}

func buildStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (spinestorage.Store, *sql.DB, error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" && cfg.Database.Host != "" {
		dsn = cfg.Database.ConnectionString()
	}
	if dsn == "" {
		log.Warn("no database configured; using in-memory storage")
		return memory.New(), nil, nil
	}

	if !strings.EqualFold(cfg.Database.Driver, "postgres") {
		return nil, nil, framework.NewConfigErrorWithValue("database.driver", cfg.Database.Driver, "unsupported driver")
	}

	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	configurePool(db, cfg.Database)

	if cfg.Database.MigrateOnStart {
		// A freshly provisioned database can briefly refuse connections;
		// retry the schema apply before giving up.
		migrate := func() error { return migrations.Apply(ctx, db) }
		if err := core.Retry(ctx, core.RetryPolicy{Attempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}, migrate); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	return postgres.New(db), db, nil
}

func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
}

// Attach adds a lifecycle-managed service to the application. Services
// start in registration order and stop in reverse.
func (a *Application) Attach(svc system.Service) {
	a.services = append(a.services, svc)
}

// Hooks exposes the lifecycle hook registry for callers that need to run
// at start/stop boundaries.
func (a *Application) Hooks() *lifecycle.Hooks { return a.hooks }

// Start brings up every attached service.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hooks.RunPreStart(ctx); err != nil {
		return err
	}
	for i, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = a.services[j].Stop(ctx)
			}
			return framework.WrapServiceError(svc.Name(), "start", err)
		}
		a.log.WithField("service", svc.Name()).Info("service started")
	}
	return a.hooks.RunPostStart(ctx)
}

// Run starts the application and blocks until the context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Shutdown stops every service in reverse order and releases storage.
func (a *Application) Shutdown(ctx context.Context) error {
	if err := a.hooks.RunPreStop(ctx); err != nil {
		a.log.WithError(err).Warn("pre-stop hooks failed")
	}
	var firstErr error
	for i := len(a.services) - 1; i >= 0; i-- {
		if err := a.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = framework.WrapServiceError(a.services[i].Name(), "stop", err)
		}
	}
	if err := a.hooks.RunPostStop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return firstErr
}
