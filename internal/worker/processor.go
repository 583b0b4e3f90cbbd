// Package worker executes flow runs requested over Redis Streams.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/queue/streams"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// IdempotencyStore records which events were already handled.
type IdempotencyStore interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// JobRunner executes jobs. *executor.Executor satisfies it.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) (flow.Job, error)
	RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error)
}

// Config names the streams and read behaviour of a Processor.
type Config struct {
	RunStream    string
	ResultStream string
	Block        time.Duration
	BatchSize    int64
	ReclaimIdle  time.Duration
}

// Processor consumes flow.run.requested events and runs the jobs they name.
type Processor struct {
	logger    *slog.Logger
	claims    IdempotencyStore
	jobs      JobRunner
	consumer  *streams.Consumer
	publisher *streams.Publisher
	cfg       Config
	tracer    trace.Tracer

	runCounter  otelmetric.Int64Counter
	skipCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. publisher may be nil when no
// job.finished events are wanted.
func NewProcessor(logger *slog.Logger, claims IdempotencyStore, jobs JobRunner, cons *streams.Consumer, pub *streams.Publisher, cfg Config, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 10 * time.Minute
	}
	proc := &Processor{
		logger:    logging.OrDefault(logger).With(slog.String("component", "worker")),
		claims:    claims,
		jobs:      jobs,
		consumer:  cons,
		publisher: pub,
		cfg:       cfg,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		proc.runCounter, err = meter.Int64Counter("worker_runs_processed",
			otelmetric.WithDescription("Run requests executed by the worker"))
		if err != nil {
			proc.logger.Warn("create run counter failed", slog.Any("error", err))
		}
		proc.skipCounter, err = meter.Int64Counter("worker_runs_skipped",
			otelmetric.WithDescription("Run requests ignored as duplicates or already claimed"))
		if err != nil {
			proc.logger.Warn("create skip counter failed", slog.Any("error", err))
		}
	}
	return proc
}

// Start blocks, processing run requests until ctx is cancelled. Entries left
// pending by a crashed worker are reclaimed first.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("worker processor starting", slog.String("stream", p.cfg.RunStream))
	if err := p.reclaim(ctx); err != nil {
		p.logger.Warn("reclaim pending entries failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker processor stopping", slog.Any("reason", ctx.Err()))
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.cfg.RunStream, streams.WithBlock(p.cfg.Block), streams.WithCount(p.cfg.BatchSize))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("read stream failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

func (p *Processor) reclaim(ctx context.Context) error {
	cursor := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.cfg.RunStream, p.cfg.ReclaimIdle, cursor, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			p.logger.Info("reclaimed pending run requests", slog.Int("count", len(msgs)))
		}
		p.handleBatch(ctx, msgs)
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return nil
		}
		cursor = next
	}
}

func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.Handle(ctx, msg); err != nil {
			p.logger.Error("handle run request failed",
				slog.String("entry_id", msg.ID),
				slog.String("event_id", msg.Envelope.EventID),
				slog.Any("error", err))
		}
		// A run that fails is recorded on its job; redelivery would not help.
		if err := p.consumer.Ack(context.WithoutCancel(ctx), p.cfg.RunStream, msg.ID); err != nil {
			p.logger.Warn("ack failed", slog.String("entry_id", msg.ID), slog.Any("error", err))
		}
	}
}

// Handle executes one run request.
func (p *Processor) Handle(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	if msg.Envelope.EventType != streams.EventFlowRunRequested {
		return fmt.Errorf("unexpected event type %q", msg.Envelope.EventType)
	}
	claimed, err := p.claims.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Info("run request already handled", slog.String("event_id", msg.Envelope.EventID))
		p.countSkip(ctx, "duplicate")
		return nil
	}

	var req streams.RunRequested
	if err := msg.Envelope.Decode(&req); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("flow_id", req.FlowID), attribute.String("job_id", req.JobID))

	var job flow.Job
	if req.JobID != "" {
		job, err = p.jobs.RunJob(ctx, req.JobID)
	} else {
		job, err = p.jobs.RunFlow(ctx, req.FlowID, req.Trigger)
	}
	if errors.Is(err, executor.ErrJobClaimed) {
		p.logger.Info("job already claimed", slog.String("job_id", req.JobID))
		p.countSkip(ctx, "claimed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run flow %s: %w", req.FlowID, err)
	}
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(job.Status))))
	}
	p.logger.Info("run request processed",
		slog.String("job_id", job.ID),
		slog.String("flow_id", job.FlowID),
		slog.String("status", job.StatusLabel()))
	return p.announce(ctx, job)
}

func (p *Processor) announce(ctx context.Context, job flow.Job) error {
	if p.publisher == nil || p.cfg.ResultStream == "" {
		return nil
	}
	if _, err := p.publisher.PublishEvent(ctx, p.cfg.ResultStream, streams.EventJobFinished, streams.JobFinishedFrom(job)); err != nil {
		return fmt.Errorf("publish job.finished: %w", err)
	}
	return nil
}

func (p *Processor) countSkip(ctx context.Context, reason string) {
	if p.skipCounter != nil {
		p.skipCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}
