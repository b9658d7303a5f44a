package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/attendflow/internal/expressions"
	"github.com/rendis/attendflow/internal/identity"
	"github.com/rendis/attendflow/internal/ladder"
	"github.com/rendis/attendflow/internal/lock"
	"github.com/rendis/attendflow/internal/logging"
	"github.com/rendis/attendflow/internal/outbox"
	"github.com/rendis/attendflow/internal/playbook"
	"github.com/rendis/attendflow/internal/rules"
	"github.com/rendis/attendflow/internal/scheduler"
	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/internal/validation"
)

// app is the wired process: one store, one identity, every component.
type app struct {
	cfg    Config
	logger *slog.Logger
	holder string

	store      *store.LibSQLStore
	validator  *validation.DefinitionValidator
	engine     *rules.Engine
	ladder     *ladder.Ladder
	intake     *ladder.Intake
	locker     *lock.Service
	runner     *playbook.Runner
	outbox     *outbox.Service
	dispatcher *outbox.Dispatcher
	scheduler  *scheduler.Scheduler
}

type appOption func(*appOptions)

type appOptions struct {
	sink func(playbook.EscalationSink) playbook.EscalationSink
}

// withEscalationSink wraps the store's escalation sink, e.g. to notify operators.
func withEscalationSink(wrap func(playbook.EscalationSink) playbook.EscalationSink) appOption {
	return func(o *appOptions) { o.sink = wrap }
}

func newLogger(cfg Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if !strings.Contains(cfg.DBPath, "://") {
		dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func newApp(ctx context.Context, cfg Config, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := newLogger(cfg)
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exprs, err := expressions.NewRegistry()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("condition schemas: %w", err)
	}
	dv, err := validation.NewDefinitionValidator(exprs)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("definition schemas: %w", err)
	}

	holder := identity.Current().String()
	compiler := rules.NewCompiler(jsv, exprs, logger)
	engine := rules.NewEngine(st, st, compiler, logger)
	lad := ladder.New(st, compiler, ladder.WithLogger(logger))
	locker := lock.NewService(st, holder, lock.WithLogger(logger))

	var sink playbook.EscalationSink = st
	if o.sink != nil {
		sink = o.sink(sink)
	}
	runnerCfg := playbook.DefaultConfig()
	runnerCfg.Interval = cfg.RunnerInterval.Std()
	runnerCfg.LockTTL = cfg.RunnerLockTTL.Std()
	runnerCfg.BatchSize = cfg.RunnerBatchSize
	runnerCfg.Workers = cfg.RunnerWorkers
	runner := playbook.NewRunner(st, st, sink, playbook.NewEvaluator(st, st), locker, runnerCfg, logger)

	ob := outbox.NewService(st, holder, outbox.Config{
		MaxAttempts: cfg.OutboxMaxAttempts,
		BaseDelay:   cfg.OutboxBaseDelay.Std(),
		MaxDelay:    cfg.OutboxMaxDelay.Std(),
	}, outbox.WithLogger(logger))
	dispatcher := outbox.NewDispatcher(ob, outbox.LogDeliverer{Logger: logger}, outbox.DispatcherConfig{
		Interval:      cfg.DispatchInterval.Std(),
		BatchSize:     cfg.DispatchBatchSize,
		RatePerSecond: cfg.DispatchRate,
	}, logger)

	intake := ladder.NewIntake(engine, lad, st, logger)
	sched := scheduler.NewScheduler(st, intake, locker, cfg.SchedulerInterval.Std(), logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		holder:     holder,
		store:      st,
		validator:  dv,
		engine:     engine,
		ladder:     lad,
		intake:     intake,
		locker:     locker,
		runner:     runner,
		outbox:     ob,
		dispatcher: dispatcher,
		scheduler:  sched,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
