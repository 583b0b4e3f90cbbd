// Package conversation drives the tool-calling exchange between an AI step
// and its provider.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chubes4/data-machine/internal/directive"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/tool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultMaxTurns bounds request/response round trips.
const DefaultMaxTurns = 8

// State of a conversation.
type State string

const (
	StateAwaitingRequest     State = "awaiting_request"
	StateAwaitingToolResults State = "awaiting_tool_results"
	StateDone                State = "done"
	StateAborted             State = "aborted"
)

// ToolRunner is the slice of tool.Executor the loop needs.
type ToolRunner interface {
	Specs(ctx context.Context) []llm.ToolSpec
	Execute(ctx context.Context, name string, aiArgs map[string]any, payload flow.Payload) tool.Result
}

// Request describes one conversation.
type Request struct {
	Model        string
	AgentType    string
	SystemPrompt string
	// Messages are the opening user turns. Directives are prepended by the loop.
	Messages []llm.Message
	Payload  flow.Payload
	Tools    ToolRunner
}

// Result is the outcome of a conversation.
type Result struct {
	State       State
	Content     string
	Turns       int
	ToolResults []tool.Result
	Messages    []llm.Message
	// SkipReason is set when the model declined the item through skip_item.
	SkipReason string
	Skipped    bool
	// HandlerCompleted is true once a handler tool succeeded.
	HandlerCompleted bool
}

// HandlerFailure returns the last failed handler tool result when no
// handler tool succeeded.
func (r Result) HandlerFailure() (tool.Result, bool) {
	if r.HandlerCompleted {
		return tool.Result{}, false
	}
	for i := len(r.ToolResults) - 1; i >= 0; i-- {
		res := r.ToolResults[i]
		if res.Kind == tool.KindHandler && !res.Success {
			return res, true
		}
	}
	return tool.Result{}, false
}

// Loop runs conversations against a provider.
type Loop struct {
	provider   llm.Provider
	directives *directive.Set
	maxTurns   int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxTurns overrides the turn limit. Values below 1 keep the default.
func WithMaxTurns(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

// WithDirectives sets the directive set rendered before every request.
func WithDirectives(s *directive.Set) Option {
	return func(l *Loop) { l.directives = s }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithTracer sets the tracer used for turn and tool spans.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// New builds a Loop.
func New(provider llm.Provider, opts ...Option) *Loop {
	l := &Loop{provider: provider, maxTurns: DefaultMaxTurns}
	for _, opt := range opts {
		opt(l)
	}
	if l.directives == nil {
		l.directives = directive.NewSet()
	}
	if l.tracer == nil {
		l.tracer = noop.NewTracerProvider().Tracer("conversation")
	}
	l.logger = logging.OrDefault(l.logger).With(slog.String("component", "conversation"))
	return l
}

// MaxTurns returns the configured turn limit.
func (l *Loop) MaxTurns() int { return l.maxTurns }

// Run drives the conversation until the model answers without tool calls,
// declines the item, completes a handler tool, or the turn limit is hit.
// Provider failures wrap flow.ErrProvider; exhaustion wraps flow.ErrTurnLimit.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := l.tracer.Start(ctx, "conversation.run", trace.WithAttributes(
		attribute.String("job_id", req.Payload.JobID),
		attribute.String("flow_step_id", req.Payload.FlowStepID),
		attribute.String("model", req.Model),
	))
	defer span.End()

	logger := l.logger.With(
		slog.String("job_id", req.Payload.JobID),
		slog.String("flow_step_id", req.Payload.FlowStepID))

	var specs []llm.ToolSpec
	if req.Tools != nil {
		specs = req.Tools.Specs(ctx)
	}
	system := directive.Render(l.directives.Resolve(ctx, directive.Input{
		AgentType:    req.AgentType,
		SystemPrompt: req.SystemPrompt,
		Tools:        specs,
		EngineData:   req.Payload.EngineData,
	}))

	res := Result{State: StateAwaitingRequest}
	res.Messages = append(append(res.Messages, system...), req.Messages...)
	seen := make(map[string]tool.Result)

	for res.Turns < l.maxTurns {
		res.Turns++
		resp, err := l.provider.Complete(ctx, llm.Request{Model: req.Model, Messages: res.Messages, Tools: specs})
		if err != nil {
			res.State = StateAborted
			if !errors.Is(err, flow.ErrProvider) {
				err = fmt.Errorf("%w: %v", flow.ErrProvider, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "provider")
			logger.Error("provider request failed", slog.Int("turn", res.Turns), slog.Any("error", err))
			return res, err
		}
		res.Messages = append(res.Messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		if resp.Content != "" {
			res.Content = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			res.State = StateDone
			span.SetAttributes(attribute.Int("turns", res.Turns))
			return res, nil
		}

		res.State = StateAwaitingToolResults
		for _, call := range resp.ToolCalls {
			key := callKey(call)
			out, dup := seen[key]
			if dup {
				logger.Debug("duplicate tool call reused", slog.String("tool", call.Name), slog.Int("turn", res.Turns))
			} else {
				if req.Tools == nil {
					out = tool.Fail(fmt.Errorf("%w: %s", tool.ErrUnknownTool, call.Name))
					out.Tool = call.Name
				} else {
					out = req.Tools.Execute(ctx, call.Name, call.Arguments, req.Payload)
				}
				seen[key] = out
				res.ToolResults = append(res.ToolResults, out)
			}
			res.Messages = append(res.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    out.Message(),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if reason, ok := tool.SkipReason(out); ok {
				res.Skipped = true
				res.SkipReason = reason
			}
			if out.Kind == tool.KindHandler && out.Success {
				res.HandlerCompleted = true
			}
		}
		if res.Skipped || res.HandlerCompleted {
			res.State = StateDone
			span.SetAttributes(attribute.Int("turns", res.Turns))
			return res, nil
		}
		res.State = StateAwaitingRequest
	}

	res.State = StateAborted
	err := fmt.Errorf("%w: %d turns", flow.ErrTurnLimit, l.maxTurns)
	span.RecordError(err)
	span.SetStatus(codes.Error, "turn limit")
	logger.Warn("conversation aborted", slog.Int("turns", res.Turns))
	return res, err
}

// callKey identifies a tool call by name and canonical arguments.
// encoding/json sorts map keys, so equal argument maps encode identically.
func callKey(call llm.ToolCall) string {
	if len(call.Arguments) == 0 {
		return call.Name + "\x00{}"
	}
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name + "\x00" + call.ID
	}
	return call.Name + "\x00" + string(raw)
}
