// Package executor runs flows as jobs: it creates the job, walks the
// pipeline's steps in order through the step runner and records the
// terminal status.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/step"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Trigger values recorded on jobs.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerQueue    = "queue"
)

// ErrJobClaimed is returned by RunJob when the job is no longer pending.
var ErrJobClaimed = errors.New("job already claimed")

// ErrPacketsRewritten indicates a step returned packets that do not extend
// the packets it was given.
var ErrPacketsRewritten = errors.New("step rewrote earlier packets")

// StepError wraps a step failure with the step that raised it.
type StepError struct {
	FlowStepID string
	StepType   flow.StepType
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.FlowStepID, e.StepType, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Store is the persistence the executor needs.
type Store interface {
	GetFlow(ctx context.Context, id string) (flow.Flow, bool, error)
	GetPipeline(ctx context.Context, id string) (flow.Pipeline, bool, error)
	CreateJob(ctx context.Context, j flow.Job) error
	StartJob(ctx context.Context, id string, at time.Time) (bool, error)
	FinishJob(ctx context.Context, j flow.Job) error
	GetJob(ctx context.Context, id string) (flow.Job, bool, error)
	MarkFlowRun(ctx context.Context, flowID, pipelineID string, at time.Time) error
}

// StepRunner executes one step.
type StepRunner interface {
	Execute(ctx context.Context, req step.Request) (step.Result, error)
}

// ConfigValidator checks a flow step's handler configuration.
type ConfigValidator interface {
	ValidateConfig(cfg flow.FlowStepConfig) error
}

// ItemReleaser forgets the processed items a job recorded.
type ItemReleaser interface {
	ReleaseJob(ctx context.Context, jobID string) (int, error)
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	JobFinished  func(ctx context.Context, job flow.Job, took time.Duration)
	StepDuration func(ctx context.Context, cfg flow.FlowStepConfig, took time.Duration, err error)
}

// Executor is the job orchestrator.
type Executor struct {
	store       Store
	runner      StepRunner
	engine      enginedata.Store
	validator   ConfigValidator
	releaser    ItemReleaser
	checkpoints CheckpointManager
	metrics     Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithCheckpointManager sets the checkpoint manager implementation.
func WithCheckpointManager(mgr CheckpointManager) Option {
	return func(ex *Executor) {
		ex.checkpoints = mgr
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

// WithValidator checks handler configuration before a job is created.
func WithValidator(v ConfigValidator) Option {
	return func(ex *Executor) { ex.validator = v }
}

// WithItemReleaser releases a failed job's processed items so the next run
// fetches them again.
func WithItemReleaser(r ItemReleaser) Option {
	return func(ex *Executor) { ex.releaser = r }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(ex *Executor) { ex.logger = l }
}

// WithTracer sets the tracer used for job and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(ex *Executor) { ex.tracer = t }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(ex *Executor) { ex.now = now }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(ex *Executor) { ex.newID = gen }
}

// New creates a new Executor instance.
func New(st Store, runner StepRunner, engine enginedata.Store, opts ...Option) *Executor {
	ex := &Executor{
		store:  st,
		runner: runner,
		engine: engine,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.checkpoints == nil {
		ex.checkpoints = NewNoopCheckpointManager()
	}
	if ex.engine == nil {
		ex.engine = enginedata.NewMemoryStore()
	}
	if ex.tracer == nil {
		ex.tracer = noop.NewTracerProvider().Tracer("executor")
	}
	ex.logger = logging.OrDefault(ex.logger).With(slog.String("component", "executor"))
	return ex
}

// RunFlow creates a job for flowID and runs it to a terminal state.
// Configuration problems are returned before any job exists. Step failures
// are not returned as errors: they end the job as failed.
func (e *Executor) RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error) {
	job, err := e.Prepare(ctx, flowID, trigger)
	if err != nil {
		return flow.Job{}, err
	}
	return e.RunJob(ctx, job.ID)
}

// Prepare validates the flow and creates a pending job for it.
func (e *Executor) Prepare(ctx context.Context, flowID, trigger string) (flow.Job, error) {
	fl, pl, err := e.load(ctx, flowID)
	if err != nil {
		return flow.Job{}, err
	}
	if err := e.validate(fl, pl); err != nil {
		return flow.Job{}, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	job := flow.Job{
		ID:         e.newID(),
		FlowID:     fl.ID,
		PipelineID: pl.ID,
		Status:     flow.JobPending,
		Trigger:    trigger,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return flow.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (e *Executor) load(ctx context.Context, flowID string) (flow.Flow, flow.Pipeline, error) {
	fl, ok, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return flow.Flow{}, flow.Pipeline{}, fmt.Errorf("load flow: %w", err)
	}
	if !ok {
		return flow.Flow{}, flow.Pipeline{}, fmt.Errorf("%w: flow %s", flow.ErrNotFound, flowID)
	}
	pl, ok, err := e.store.GetPipeline(ctx, fl.PipelineID)
	if err != nil {
		return flow.Flow{}, flow.Pipeline{}, fmt.Errorf("load pipeline: %w", err)
	}
	if !ok {
		return flow.Flow{}, flow.Pipeline{}, fmt.Errorf("%w: pipeline %s", flow.ErrNotFound, fl.PipelineID)
	}
	return fl, pl, nil
}

func (e *Executor) validate(fl flow.Flow, pl flow.Pipeline) error {
	if err := fl.Validate(pl); err != nil {
		return err
	}
	for _, ps := range pl.Steps {
		cfg, _ := fl.StepConfig(ps.StepID)
		cfg.StepType = ps.StepType
		if (ps.StepType == flow.StepPublish || ps.StepType == flow.StepUpdate) && cfg.HandlerSlug == "" {
			return fmt.Errorf("%w: %s step %s has no handler", flow.ErrConfiguration, ps.StepType, cfg.FlowStepID)
		}
		if e.validator != nil {
			if err := e.validator.ValidateConfig(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunJob claims a pending job and runs it. It returns ErrJobClaimed when the
// job was already started elsewhere.
func (e *Executor) RunJob(ctx context.Context, jobID string) (flow.Job, error) {
	job, ok, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return flow.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return flow.Job{}, fmt.Errorf("%w: job %s", flow.ErrNotFound, jobID)
	}
	started := e.now().UTC()
	claimed, err := e.store.StartJob(ctx, jobID, started)
	if err != nil {
		return flow.Job{}, fmt.Errorf("start job: %w", err)
	}
	if !claimed {
		return job, fmt.Errorf("%w: %s", ErrJobClaimed, jobID)
	}
	job.Status = flow.JobProcessing
	job.StartedAt = &started

	ctx, span := e.tracer.Start(ctx, "executor.run_job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("flow_id", job.FlowID),
		attribute.String("pipeline_id", job.PipelineID),
	))
	defer span.End()

	logger := e.logger.With(
		slog.String("job_id", job.ID),
		slog.String("flow_id", job.FlowID),
		slog.String("pipeline_id", job.PipelineID))
	logger.Info("job started", slog.String("trigger", job.Trigger))

	defer func() {
		if err := e.engine.Delete(context.WithoutCancel(ctx), job.ID); err != nil {
			logger.Warn("discard engine data failed", slog.Any("error", err))
		}
	}()

	if err := e.checkpoints.StartRun(ctx, job); err != nil {
		return e.finish(ctx, logger, job, fmt.Errorf("checkpoint: %w", err))
	}

	fl, pl, err := e.load(ctx, job.FlowID)
	if err != nil {
		return e.finish(ctx, logger, job, err)
	}
	if err := fl.Validate(pl); err != nil {
		return e.finish(ctx, logger, job, err)
	}

	job, err = e.runSteps(ctx, logger, job, fl, pl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(flow.KindOf(err)))
	}
	return e.finish(ctx, logger, job, err)
}

func (e *Executor) runSteps(ctx context.Context, logger *slog.Logger, job flow.Job, fl flow.Flow, pl flow.Pipeline) (flow.Job, error) {
	steps := pl.OrderedSteps()
	var data flow.Packets
	handled := make(map[string]bool)
	job.Status = flow.JobCompleted

	for i, ps := range steps {
		cfg, _ := fl.StepConfig(ps.StepID)
		cfg.StepType = ps.StepType
		if handled[cfg.FlowStepID] {
			logger.Debug("step completed by ai tool call", slog.String("flow_step_id", cfg.FlowStepID))
			if err := e.checkpoints.SaveStepSuccess(ctx, job.ID, cfg, step.Result{Packets: data, Outcome: step.OutcomeOK, Detail: map[string]any{"handled_by": "ai"}}); err != nil {
				return job, fmt.Errorf("checkpoint: %w", err)
			}
			continue
		}

		engine, err := e.engine.Get(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("load engine data: %w", err)
		}
		req := step.Request{
			PipelineID: pl.ID,
			Step:       ps,
			Payload: flow.Payload{
				JobID:      job.ID,
				FlowStepID: cfg.FlowStepID,
				Data:       data,
				StepConfig: cfg,
				EngineData: engine,
			},
		}
		if ps.StepType == flow.StepAI {
			req.ActionSteps = actionStepsAfter(steps, i, fl)
		}

		res, err := e.runStep(ctx, logger, job.ID, req)
		if err != nil {
			return job, err
		}
		data = res.Packets
		job.ItemsCount += res.Items
		for _, id := range res.Handled {
			handled[id] = true
		}

		switch res.Outcome {
		case step.OutcomeNoItems:
			job.Status = flow.JobCompletedNoItems
			logger.Info("no new items", slog.String("flow_step_id", cfg.FlowStepID))
			return job, nil
		case step.OutcomeSkipped:
			job.Status = flow.JobAgentSkipped
			job.SkipReason = res.SkipReason
			logger.Info("item skipped by agent",
				slog.String("flow_step_id", cfg.FlowStepID),
				slog.String("reason", res.SkipReason))
			return job, nil
		}
	}
	return job, nil
}

func (e *Executor) runStep(ctx context.Context, logger *slog.Logger, jobID string, req step.Request) (step.Result, error) {
	cfg := req.Payload.StepConfig
	ctx, span := e.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.String("flow_step_id", cfg.FlowStepID),
		attribute.String("step_type", string(cfg.StepType)),
	))
	defer span.End()

	if err := e.checkpoints.SaveStepStart(ctx, jobID, cfg); err != nil {
		return step.Result{}, fmt.Errorf("checkpoint: %w", err)
	}
	start := time.Now()
	res, err := e.runner.Execute(ctx, req)
	if err == nil && !res.Packets.HasPrefix(req.Payload.Data) {
		err = ErrPacketsRewritten
	}
	if e.metrics.StepDuration != nil {
		e.metrics.StepDuration(ctx, cfg, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(flow.KindOf(err)))
		logger.Error("step failed",
			slog.String("flow_step_id", cfg.FlowStepID),
			slog.String("step_type", string(cfg.StepType)),
			slog.String("kind", string(flow.KindOf(err))),
			slog.Any("error", err))
		if cpErr := e.checkpoints.SaveStepFailure(context.WithoutCancel(ctx), jobID, cfg, err); cpErr != nil {
			logger.Warn("checkpoint failure not saved", slog.Any("error", cpErr))
		}
		return step.Result{}, &StepError{FlowStepID: cfg.FlowStepID, StepType: cfg.StepType, Err: err}
	}
	if err := e.checkpoints.SaveStepSuccess(ctx, jobID, cfg, res); err != nil {
		return step.Result{}, fmt.Errorf("checkpoint: %w", err)
	}
	return res, nil
}

// actionStepsAfter returns the publish and update steps that directly follow
// the AI step at index i, up to the next fetch or AI step.
func actionStepsAfter(steps []flow.PipelineStep, i int, fl flow.Flow) []flow.FlowStepConfig {
	var out []flow.FlowStepConfig
	for _, ps := range steps[i+1:] {
		if ps.StepType != flow.StepPublish && ps.StepType != flow.StepUpdate {
			break
		}
		cfg, ok := fl.StepConfig(ps.StepID)
		if !ok || cfg.HandlerSlug == "" {
			continue
		}
		cfg.StepType = ps.StepType
		out = append(out, cfg)
	}
	return out
}

// finish records the terminal state. runErr, when set, fails the job.
func (e *Executor) finish(ctx context.Context, logger *slog.Logger, job flow.Job, runErr error) (flow.Job, error) {
	ctx = context.WithoutCancel(ctx)
	done := e.now().UTC()
	job.CompletedAt = &done
	if runErr != nil {
		job.Status = flow.JobFailed
		job.SkipReason = ""
		job.ErrorMessage = errorMessage(runErr)
	}
	if err := e.store.FinishJob(ctx, job); err != nil {
		return job, fmt.Errorf("finish job: %w", err)
	}
	if job.Status == flow.JobFailed && e.releaser != nil {
		if _, err := e.releaser.ReleaseJob(ctx, job.ID); err != nil {
			logger.Warn("processed items not released", slog.Any("error", err))
		}
	}
	if (job.Status == flow.JobCompleted && job.ItemsCount > 0) || job.Status == flow.JobAgentSkipped {
		if err := e.store.MarkFlowRun(ctx, job.FlowID, job.PipelineID, done); err != nil {
			logger.Warn("last run marker not updated", slog.Any("error", err))
		}
	}
	var took time.Duration
	if job.StartedAt != nil {
		took = done.Sub(*job.StartedAt)
	}
	if e.metrics.JobFinished != nil {
		e.metrics.JobFinished(ctx, job, took)
	}
	logger.Info("job finished",
		slog.String("status", job.StatusLabel()),
		slog.Int("items", job.ItemsCount),
		slog.Duration("took", took))
	return job, nil
}

// errorMessage keeps the originating message of a step failure.
func errorMessage(err error) string {
	var se *StepError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}
