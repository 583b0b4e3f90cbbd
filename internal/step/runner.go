// Package step executes a single pipeline step for a job.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chubes4/data-machine/internal/conversation"
	"github.com/chubes4/data-machine/internal/directive"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/tool"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies a successful step.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeNoItems Outcome = "no_items"
	OutcomeSkipped Outcome = "skipped"
)

// Request is everything the runner needs for one step.
type Request struct {
	PipelineID string
	Step       flow.PipelineStep
	Payload    flow.Payload
	// ActionSteps are the publish/update steps an AI step exposes as tools.
	ActionSteps []flow.FlowStepConfig
}

// Result is the outcome of a step. Packets always extends the input packets.
type Result struct {
	Packets    flow.Packets
	Outcome    Outcome
	SkipReason string
	// Items counts source items consumed by a fetch step.
	Items int
	// Handled lists action flow step ids an AI step completed through tool calls.
	Handled []string
	Detail  map[string]any
}

// Tracker is the part of the deduplication tracker the runner uses.
type Tracker interface {
	HasProcessed(ctx context.Context, flowStepID, itemID string) (bool, error)
	MarkProcessed(ctx context.Context, flowStepID, sourceType, itemID, jobID string) error
}

// Runner executes steps.
type Runner struct {
	handlers     *handler.Registry
	tools        *tool.Registry
	providers    *llm.Registry
	tracker      Tracker
	engine       enginedata.Store
	directives   *directive.Set
	defaultModel string
	maxTurns     int
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithDirectives sets the directive layers rendered ahead of AI steps.
func WithDirectives(s *directive.Set) Option { return func(r *Runner) { r.directives = s } }

// WithDefaultModel sets the model used when a step names none.
func WithDefaultModel(m string) Option { return func(r *Runner) { r.defaultModel = m } }

// WithMaxTurns caps the conversation turns of an AI step.
func WithMaxTurns(n int) Option { return func(r *Runner) { r.maxTurns = n } }

// WithLogger sets the step logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithTracer sets the tracer handed to AI conversations.
func WithTracer(t trace.Tracer) Option { return func(r *Runner) { r.tracer = t } }

// WithClock overrides the packet timestamp clock.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New builds a Runner. providers and tools may be nil when no flow uses AI steps.
func New(handlers *handler.Registry, tools *tool.Registry, providers *llm.Registry, tracker Tracker, engine enginedata.Store, opts ...Option) *Runner {
	r := &Runner{
		handlers:  handlers,
		tools:     tools,
		providers: providers,
		tracker:   tracker,
		engine:    engine,
		maxTurns:  conversation.DefaultMaxTurns,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tools == nil {
		r.tools = tool.NewRegistry(tool.WithLogger(r.logger))
	}
	r.logger = logging.OrDefault(r.logger).With(slog.String("component", "step"))
	return r
}

// Execute runs the step described by req.Payload.StepConfig.
func (r *Runner) Execute(ctx context.Context, req Request) (Result, error) {
	cfg := req.Payload.StepConfig
	switch cfg.StepType {
	case flow.StepFetch:
		return r.fetch(ctx, req)
	case flow.StepAI:
		return r.ai(ctx, req)
	case flow.StepPublish, flow.StepUpdate:
		return r.act(ctx, req)
	}
	return Result{}, fmt.Errorf("%w: unknown step type %q", flow.ErrConfiguration, cfg.StepType)
}

func (r *Runner) fetch(ctx context.Context, req Request) (Result, error) {
	cfg := req.Payload.StepConfig
	fetcher, err := r.handlers.Fetcher(cfg.HandlerSlug)
	if err != nil {
		return Result{}, err
	}
	settings, err := r.handlers.Settings(cfg.HandlerSlug, cfg.HandlerConfig)
	if err != nil {
		return Result{}, err
	}
	items, err := fetcher.Fetch(ctx, handler.FetchRequest{
		PipelineID: req.PipelineID,
		FlowID:     cfg.FlowID,
		FlowStepID: cfg.FlowStepID,
		JobID:      req.Payload.JobID,
		Settings:   settings,
		Processed:  r.tracker,
		EngineData: r.engine,
	})
	if err != nil {
		if !errors.Is(err, flow.ErrHandler) && !errors.Is(err, flow.ErrConfiguration) {
			err = fmt.Errorf("%w: %s: %w", flow.ErrHandler, cfg.HandlerSlug, err)
		}
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{Packets: req.Payload.Data, Outcome: OutcomeNoItems}, nil
	}

	packets := make([]flow.DataPacket, 0, len(items))
	for _, item := range items {
		if item.Identifier == "" {
			return Result{}, fmt.Errorf("%w: %s returned an item without identifier", flow.ErrHandler, cfg.HandlerSlug)
		}
		meta := map[string]any{}
		for k, v := range item.Metadata {
			meta[k] = v
		}
		meta[enginedata.KeyItemID] = item.Identifier
		if item.SourceURL != "" {
			meta[enginedata.KeySourceURL] = item.SourceURL
		}
		if item.ImageURL != "" {
			meta[enginedata.KeyImageURL] = item.ImageURL
		}
		ts := item.FetchedAt
		if ts.IsZero() {
			ts = r.now().UTC()
		}
		packets = append(packets, flow.DataPacket{
			Type:      flow.PacketFetch,
			Handler:   cfg.HandlerSlug,
			Content:   flow.Content{Title: item.Title, Body: item.Body},
			Metadata:  meta,
			Timestamp: ts,
		})
		if r.tracker != nil {
			if err := r.tracker.MarkProcessed(ctx, cfg.FlowStepID, cfg.HandlerSlug, item.Identifier, req.Payload.JobID); err != nil {
				return Result{}, fmt.Errorf("mark processed: %w", err)
			}
		}
	}
	return Result{
		Packets: req.Payload.Data.Append(packets...),
		Outcome: OutcomeOK,
		Items:   len(items),
	}, nil
}

func (r *Runner) act(ctx context.Context, req Request) (Result, error) {
	cfg := req.Payload.StepConfig
	if cfg.HandlerSlug == "" {
		return Result{}, fmt.Errorf("%w: %s step %s has no handler", flow.ErrConfiguration, cfg.StepType, cfg.FlowStepID)
	}
	latest, _ := req.Payload.Data.Latest()
	out, err := r.handlers.Act(ctx, cfg, handler.ActionRequest{
		JobID:      req.Payload.JobID,
		Title:      latest.Content.Title,
		Content:    latest.Content.Body,
		EngineData: enginedata.Record(req.Payload.EngineData).Clone(),
	})
	if err != nil {
		return Result{}, err
	}
	packetType := flow.PacketPublish
	if cfg.StepType == flow.StepUpdate {
		packetType = flow.PacketUpdate
	}
	return Result{
		Packets: req.Payload.Data.Append(actionPacket(packetType, cfg.HandlerSlug, latest.Content.Title, out, r.now())),
		Outcome: OutcomeOK,
	}, nil
}

func actionPacket(packetType, slug, title string, out handler.Outcome, at time.Time) flow.DataPacket {
	meta := map[string]any{}
	if out.ID != "" {
		meta["id"] = out.ID
	}
	if out.URL != "" {
		meta["url"] = out.URL
	}
	for k, v := range out.Data {
		meta[k] = v
	}
	return flow.DataPacket{
		Type:      packetType,
		Handler:   slug,
		Content:   flow.Content{Title: title},
		Metadata:  meta,
		Timestamp: at.UTC(),
	}
}

func (r *Runner) ai(ctx context.Context, req Request) (Result, error) {
	cfg := req.Payload.StepConfig
	if r.providers == nil {
		return Result{}, fmt.Errorf("%w: no AI providers configured", flow.ErrConfiguration)
	}
	provider, err := r.providers.Get(cfg.Provider)
	if err != nil {
		return Result{}, err
	}
	model := cfg.Model
	if model == "" {
		model = r.defaultModel
	}

	slugToStep := make(map[string]flow.FlowStepConfig, len(req.ActionSteps))
	extra := make([]tool.Definition, 0, len(req.ActionSteps))
	for _, action := range req.ActionSteps {
		def, err := r.handlers.AsTool(action)
		if err != nil {
			return Result{}, err
		}
		slugToStep[def.Name] = action
		extra = append(extra, def)
	}
	exec, err := r.tools.ForStep(cfg.AgentType, cfg.Tools, extra...)
	if err != nil {
		return Result{}, err
	}

	opts := []conversation.Option{
		conversation.WithMaxTurns(r.maxTurns),
		conversation.WithLogger(r.logger),
	}
	if r.directives != nil {
		opts = append(opts, conversation.WithDirectives(r.directives))
	}
	if r.tracer != nil {
		opts = append(opts, conversation.WithTracer(r.tracer))
	}
	systemPrompt, _ := req.Step.Config["system_prompt"].(string)
	res, err := conversation.New(provider, opts...).Run(ctx, conversation.Request{
		Model:        model,
		AgentType:    cfg.AgentType,
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userMessage(cfg.Directive, req.Payload.Data)}},
		Payload:      req.Payload,
		Tools:        exec,
	})
	detail := map[string]any{"turns": res.Turns, "tool_calls": len(res.ToolResults), "model": model, "provider": provider.Name()}
	if err != nil {
		return Result{Detail: detail}, err
	}
	if res.Skipped {
		return Result{Packets: req.Payload.Data, Outcome: OutcomeSkipped, SkipReason: res.SkipReason, Detail: detail}, nil
	}
	if failure, failed := res.HandlerFailure(); failed {
		if failure.Err != nil {
			return Result{Detail: detail}, failure.Err
		}
		return Result{Detail: detail}, fmt.Errorf("%w: %s: %s", flow.ErrHandler, failure.Tool, failure.Error)
	}

	latest, _ := req.Payload.Data.Latest()
	now := r.now()
	packets := []flow.DataPacket{{
		Type:      flow.PacketAI,
		Handler:   provider.Name(),
		Content:   flow.Content{Title: latest.Content.Title, Body: res.Content},
		Metadata:  map[string]any{"model": model, "turns": res.Turns},
		Timestamp: now.UTC(),
	}}
	var handled []string
	for _, tr := range res.ToolResults {
		action, ok := slugToStep[tr.Tool]
		if !ok || !tr.Success {
			continue
		}
		out, _ := tr.Data.(handler.Outcome)
		packetType := flow.PacketPublish
		if action.StepType == flow.StepUpdate {
			packetType = flow.PacketUpdate
		}
		packets = append(packets, actionPacket(packetType, tr.Tool, latest.Content.Title, out, now))
		handled = append(handled, action.FlowStepID)
	}
	return Result{
		Packets: req.Payload.Data.Append(packets...),
		Outcome: OutcomeOK,
		Handled: handled,
		Detail:  detail,
	}, nil
}

// userMessage renders the step's instruction followed by the packets
// gathered so far, newest last.
func userMessage(instruction string, data flow.Packets) string {
	var b strings.Builder
	if s := strings.TrimSpace(instruction); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	for _, p := range data {
		if p.Type != flow.PacketFetch && p.Type != flow.PacketAI {
			continue
		}
		if p.Content.Title != "" {
			fmt.Fprintf(&b, "# %s\n", p.Content.Title)
		}
		if p.Content.Body != "" {
			b.WriteString(p.Content.Body)
			b.WriteString("\n")
		}
		if url := p.SourceURL(); url != "" {
			fmt.Fprintf(&b, "Source: %s\n", url)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
