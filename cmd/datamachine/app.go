package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/chubes4/data-machine/config"
	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/directive"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/handler/webhook"
	"github.com/chubes4/data-machine/internal/handler/webpage"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/llm/openai"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/queue/streams"
	"github.com/chubes4/data-machine/internal/scheduler"
	"github.com/chubes4/data-machine/internal/step"
	"github.com/chubes4/data-machine/internal/store"
	"github.com/chubes4/data-machine/internal/telemetry"
	"github.com/chubes4/data-machine/internal/tool"
	"github.com/chubes4/data-machine/internal/worker"
	"github.com/redis/go-redis/v9"
)

const serviceVersion = "0.1.0"

// app holds the wired engine shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	store     *store.Store
	redis     *redis.Client
	streams   *streams.SchemaRegistry
	publisher *streams.Publisher
	handlers  *handler.Registry
	tracker   *dedup.Tracker
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	// runner is the executor, or the queue enqueuer when scheduler.use_queue is set.
	runner scheduler.Runner
}

func newApp(ctx context.Context, cfgPath, service string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	format := cfg.General.LogFormat
	level := cfg.General.LogLevel
	if cfg.General.Debug {
		format, level = "text", "debug"
	}
	logger := logging.New(level, format, os.Stderr).With(slog.String("service", service))

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{ServiceName: service, ServiceVersion: serviceVersion})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.New(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel, store: st}

	if cfg.Storage.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		a.streams, err = streams.NewBaseRegistry()
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("stream schemas: %w", err)
		}
		a.publisher = streams.NewPublisher(a.redis, a.streams, cfg.Queue.MaxLen)
	}

	a.wire()
	return a, nil
}

func (a *app) wire() {
	cfg := a.cfg
	metrics := a.telemetry.Metrics()

	trackerOpts := []dedup.Option{dedup.WithLogger(a.logger)}
	var engine enginedata.Store = enginedata.NewMemoryStore()
	locker := scheduler.Locker(scheduler.NewMemoryLocker(nil))
	if a.redis != nil {
		trackerOpts = append(trackerOpts, dedup.WithCache(dedup.NewRedisCache(a.redis, cfg.Engine.JobRetention)))
		engine = enginedata.NewRedisStore(a.redis, cfg.Engine.EngineDataTTL)
		locker = scheduler.NewRedisLocker(a.redis)
	}
	a.tracker = dedup.New(a.store, trackerOpts...)

	a.handlers = handler.NewRegistry(cfg.General.SiteDefaults)
	a.handlers.MustRegister(webpage.New(cfg.Handlers.Webpage, a.logger))
	a.handlers.MustRegister(webhook.NewPublisher(cfg.Handlers.Webhook, a.logger))
	a.handlers.MustRegister(webhook.NewUpdater(cfg.Handlers.Webhook, a.logger))

	tools := tool.NewRegistry(tool.WithLogger(a.logger), tool.WithObserver(metrics.ToolObserver()))
	if err := tool.RegisterBuiltins(tools); err != nil {
		a.logger.Error("register builtin tools", slog.Any("error", err))
	}

	providers := llm.NewRegistry(cfg.LLM.DefaultProvider)
	for name, pc := range cfg.LLM.Providers {
		providers.Register(openai.New(name, pc))
	}

	runner := step.New(a.handlers, tools, providers, a.tracker, engine,
		step.WithDirectives(directive.Defaults(cfg.Engine.GlobalDirective)),
		step.WithDefaultModel(cfg.LLM.DefaultModel),
		step.WithMaxTurns(cfg.Engine.MaxTurns),
		step.WithLogger(a.logger),
		step.WithTracer(a.telemetry.Tracer()))

	a.executor = executor.New(a.store, runner, engine,
		executor.WithCheckpointManager(executor.NewStoreCheckpointManager(a.store)),
		executor.WithMetrics(metrics.ExecutorMetrics()),
		executor.WithValidator(a.handlers),
		executor.WithItemReleaser(a.tracker),
		executor.WithLogger(a.logger),
		executor.WithTracer(a.telemetry.Tracer()))

	a.runner = a.executor
	if cfg.Scheduler.UseQueue && a.publisher != nil {
		a.runner = worker.NewEnqueuer(a.executor, a.publisher, cfg.Queue.RunStream)
	}

	a.scheduler = scheduler.New(a.store, a.runner,
		scheduler.WithLocker(locker),
		scheduler.WithLogger(a.logger),
		scheduler.WithTick(cfg.Scheduler.Tick),
		scheduler.WithLockTTL(cfg.Scheduler.LockTTL),
		scheduler.WithMaintenance(scheduler.Maintenance{
			StuckAfter: cfg.Engine.StuckJobTimeout,
			Retention:  cfg.Engine.JobRetention,
			Window:     cfg.Engine.MaintenanceWindow,
		}))
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", slog.Any("error", err))
	}
}

// queueLag reports the run stream backlog, or nil when there is no queue.
func (a *app) queueLag() func(ctx context.Context) (streams.LagMetrics, error) {
	if a.redis == nil {
		return nil
	}
	q := a.cfg.Queue
	return func(ctx context.Context) (streams.LagMetrics, error) {
		return streams.GroupLag(ctx, a.redis, q.RunStream, q.ConsumerGroup)
	}
}
