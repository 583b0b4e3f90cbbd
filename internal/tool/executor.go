package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
)

// Result is the normalised outcome of a tool call.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	Tool string `json:"-"`
	Kind Kind   `json:"-"`
	Err  error  `json:"-"`
}

// OK wraps data in a successful result.
func OK(data any) Result { return Result{Success: true, Data: data} }

// Fail wraps err in a failed result.
func Fail(err error) Result { return Result{Error: err.Error(), Err: err} }

// Message renders the result as the JSON body of a tool message.
func (r Result) Message() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(raw)
}

// BuildParameters flattens the step payload and the model's arguments into
// one parameter set. Engine data keys are copied to the top level when they
// do not collide with a payload key. Model arguments are applied last and win.
func BuildParameters(payload flow.Payload, aiArgs map[string]any) Params {
	engine := make(map[string]any, len(payload.EngineData))
	for k, v := range payload.EngineData {
		engine[k] = v
	}
	params := Params{
		"job_id":           payload.JobID,
		"flow_step_id":     payload.FlowStepID,
		"data":             payload.Data,
		"flow_step_config": payload.StepConfig,
		"engine_data":      engine,
	}
	for k, v := range engine {
		if _, taken := params[k]; !taken {
			params[k] = v
		}
	}
	for k, v := range aiArgs {
		params[k] = v
	}
	return params
}

// Executor runs tools for one step. It sees the registry's global tools
// (optionally narrowed to an allow list), agent tools matching its agent
// type, control tools, and any step-specific definitions.
type Executor struct {
	registry  *Registry
	agentType string
	allow     map[string]bool
	extra     map[string]Definition
}

// ForStep builds an executor. An empty allow list exposes every global tool.
func (r *Registry) ForStep(agentType string, allow []string, extra ...Definition) (*Executor, error) {
	e := &Executor{registry: r, agentType: agentType, extra: make(map[string]Definition, len(extra))}
	if len(allow) > 0 {
		e.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			e.allow[name] = true
		}
	}
	for _, def := range extra {
		prepared, err := Prepare(def)
		if err != nil {
			return nil, err
		}
		e.extra[prepared.Name] = prepared
	}
	return e, nil
}

func (e *Executor) resolve(ctx context.Context, name string) (Definition, error) {
	def, ok := e.extra[name]
	if !ok {
		def, ok = e.registry.lookup(name)
		if ok && !e.visible(def) {
			ok = false
		}
	}
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if !def.enabled(ctx) {
		return Definition{}, fmt.Errorf("%w: %s requires configuration", ErrToolDisabled, name)
	}
	return def, nil
}

func (e *Executor) visible(def Definition) bool {
	if !def.visibleTo(e.agentType) {
		return false
	}
	if def.Kind == KindControl || def.Scope == ScopeAgent || e.allow == nil {
		return true
	}
	return e.allow[def.Name]
}

// Specs lists the enabled tools this step may call, sorted by name.
func (e *Executor) Specs(ctx context.Context) []llm.ToolSpec {
	seen := make(map[string]bool)
	var specs []llm.ToolSpec
	add := func(def Definition) {
		if seen[def.Name] || !def.enabled(ctx) {
			return
		}
		seen[def.Name] = true
		specs = append(specs, def.Spec())
	}
	for _, def := range e.extra {
		add(def)
	}
	for _, def := range e.registry.all() {
		if e.visible(def) {
			add(def)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs one tool call. Resolution, validation and tool failures all
// come back as a failed Result rather than an error, so the conversation can
// report them to the model and continue.
func (e *Executor) Execute(ctx context.Context, name string, aiArgs map[string]any, payload flow.Payload) Result {
	start := time.Now()
	res := e.execute(ctx, name, aiArgs, payload)
	res.Tool = name
	logger := e.registry.logger.With(
		slog.String("tool", name),
		slog.String("job_id", payload.JobID),
		slog.String("flow_step_id", payload.FlowStepID))
	if res.Success {
		logger.Debug("tool executed", slog.Duration("took", time.Since(start)))
	} else {
		logger.Warn("tool failed", slog.String("error", res.Error))
	}
	if e.registry.observer != nil {
		e.registry.observer(ctx, name, res, time.Since(start))
	}
	return res
}

func (e *Executor) execute(ctx context.Context, name string, aiArgs map[string]any, payload flow.Payload) Result {
	def, err := e.resolve(ctx, name)
	if err != nil {
		return Fail(err)
	}
	if def.schema != nil {
		args := aiArgs
		if args == nil {
			args = map[string]any{}
		}
		if err := ValidateDocument(def.schema, args); err != nil {
			res := Fail(fmt.Errorf("%w: %v", ErrInvalidArgs, err))
			res.Kind = def.Kind
			return res
		}
	}
	data, err := def.Handler(ctx, BuildParameters(payload, aiArgs))
	if err != nil {
		res := Fail(err)
		res.Kind = def.Kind
		return res
	}
	res := OK(data)
	res.Kind = def.Kind
	return res
}
