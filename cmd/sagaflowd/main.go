// Command sagaflowd wires and runs the saga orchestrator's execution
// engine: store, breaker, limiter, metrics, registry, engine,
// orchestrator, event bus and scheduler. It is grounded on the teacher's
// framework/container/builder.go wiring order (store -> event bus ->
// metrics -> orchestrator), rewired here for direct construction since
// this module dropped the generic DI container (see DESIGN.md).
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sagaflow/orchestrator/internal/config"
	"github.com/sagaflow/orchestrator/internal/logging"
	"github.com/sagaflow/orchestrator/observability"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/breaker"
	"github.com/sagaflow/orchestrator/saga/compensation"
	"github.com/sagaflow/orchestrator/saga/engine"
	"github.com/sagaflow/orchestrator/saga/eventbus"
	"github.com/sagaflow/orchestrator/saga/executor"
	"github.com/sagaflow/orchestrator/saga/metrics"
	"github.com/sagaflow/orchestrator/saga/orchestrator"
	"github.com/sagaflow/orchestrator/saga/ratelimit"
	"github.com/sagaflow/orchestrator/saga/registry"
	"github.com/sagaflow/orchestrator/saga/scheduler"
	"github.com/sagaflow/orchestrator/saga/store"
	"github.com/sagaflow/orchestrator/saga/store/mongo"
	"github.com/sagaflow/orchestrator/saga/store/postgres"
	"github.com/sagaflow/orchestrator/saga/workerpool"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sagaflowd exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sagaStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	b := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	limiter := ratelimit.New(ratelimit.Config{
		BurstWindow: cfg.RateLimitBurstWindow,
		BurstLimit:  cfg.RateLimitBurstLimit,
		MinuteLimit: cfg.RateLimitMinuteLimit,
		HourLimit:   cfg.RateLimitHourLimit,
	})
	m := metrics.New()

	reg := registry.New()
	reg.Register(saga.StepTypeHTTPCall, executor.NewHTTPExecutor(b))
	reg.Register(saga.StepTypeWait, &executor.WaitExecutor{})
	reg.Register(saga.StepTypeBusinessLogic, executor.NewBusinessLogicExecutor())
	// No DatabaseHandler is wired to a concrete driver at this layer; the
	// host registers one against its own store/pool. Until then DATABASE_OP
	// steps fail with the specific "no database handler registered"
	// STEP_TERMINAL rather than the generic UNSUPPORTED_STEP_TYPE.
	reg.Register(saga.StepTypeDatabaseOp, executor.NewDatabaseExecutor(cfg.StorePostgresDSN, nil, b))

	var natsConn *nats.Conn
	if natsConn, err = nats.Connect(cfg.NATSURL); err == nil {
		defer natsConn.Close()
		reg.Register(saga.StepTypeMessageQueue, executor.NewMessageQueueExecutor(natsConn))
	} else {
		logger.Warn("nats unavailable, MESSAGE_QUEUE step type disabled", zap.Error(err))
	}

	var events eventbus.Bus
	if natsConn != nil {
		events = eventbus.NewNATS(natsConn, "sagaflow.events")
	} else {
		events = eventbus.NewInMemory()
	}
	comp := compensation.New(reg, logger)
	eng := engine.New(sagaStore, reg, comp, events, m, logger)

	pools := workerpool.NewDefault(logger)
	eng.StepPool = pools.StepExec
	eng.CompPool = pools.Compensation

	orch, err := orchestrator.New(sagaStore, eng, limiter, logger, cfg.SagaCacheSize)
	if err != nil {
		return err
	}
	orch.SagaPool = pools.SagaExec

	sched := scheduler.New(scheduler.Config{
		TimeoutSweepInterval: cfg.TimeoutSweepInterval,
		RetrySweepInterval:   cfg.RetrySweepInterval,
		RetrySweepEnabled:    cfg.AutoRetryEnabled,
		RetentionInterval:    cfg.RetentionSweepInterval,
		RetentionWindow:      cfg.RetentionAge,
		MetricsPushInterval:  cfg.MetricsPushInterval,
	}, sagaStore, eng, events, m, logger)
	sched.Start()
	defer sched.Stop()

	tracing, err := observability.NewTracingManager(ctx, observability.TracingConfig{
		Enabled:     cfg.Environment == "production",
		ServiceName: "sagaflow-orchestrator",
		Exporter:    "stdout",
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	defer tracing.Shutdown(context.Background())

	if _, err := observability.NewPrometheusMeterProvider(); err != nil {
		logger.Warn("prometheus meter provider unavailable, OTel metrics disabled", zap.Error(err))
	} else if otelMetrics, err := observability.NewOTelMetrics(); err != nil {
		logger.Warn("otel metrics instruments unavailable", zap.Error(err))
	} else {
		events.Subscribe(eventbus.SagaStarted, func(ctx context.Context, ev eventbus.Event) error {
			otelMetrics.RecordSagaStarted(ctx)
			return nil
		})
		events.Subscribe(eventbus.SagaCompleted, func(ctx context.Context, ev eventbus.Event) error {
			otelMetrics.RecordSagaCompleted(ctx)
			return nil
		})
		events.Subscribe(eventbus.SagaFailed, func(ctx context.Context, ev eventbus.Event) error {
			otelMetrics.RecordSagaFailed(ctx)
			return nil
		})
	}

	events.Subscribe(eventbus.SagaCompleted, func(ctx context.Context, ev eventbus.Event) error {
		sg, err := orch.Get(ctx, ev.SagaID)
		if err != nil {
			return err
		}
		logger.Info("saga completed", zap.String("saga_id", sg.ID), zap.String("name", sg.Name))
		return nil
	})

	logger.Info("sagaflowd started", zap.String("store_backend", cfg.StoreBackend))

	<-ctx.Done()
	logger.Info("sagaflowd shutting down")
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = cfg.StorePostgresDSN
		pgCfg.MaxOpenConns = int32(cfg.StoreMaxOpenConns)
		pgCfg.MaxIdleConns = int32(cfg.StoreMaxIdleConns)

		db, err := sql.Open("pgx", cfg.StorePostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		db.Close()

		st, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "mongo":
		mCfg := mongo.DefaultConfig()
		mCfg.URI = cfg.StoreMongoURI
		mCfg.Database = cfg.StoreMongoDB
		st, err := mongo.New(ctx, mCfg)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close(context.Background()) }, nil

	default:
		return store.NewInMemory(), func() {}, nil
	}
}
