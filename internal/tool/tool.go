// Package tool resolves and executes the tools an AI step may call.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/logging"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrToolDisabled = errors.New("tool disabled")
	ErrInvalidArgs  = errors.New("invalid tool arguments")
)

// Scope says who can see a tool.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeAgent  Scope = "agent"
)

// Kind separates plain utilities from tools that act on a publish/update handler.
type Kind string

const (
	KindUtility Kind = "utility"
	KindHandler Kind = "handler"
	KindControl Kind = "control"
)

// Params is the flat parameter set passed to a tool.
type Params map[string]any

// String returns a string parameter, or "".
func (p Params) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// EngineData returns the read-only engine data snapshot.
func (p Params) EngineData() map[string]any {
	if v, ok := p["engine_data"].(map[string]any); ok {
		return v
	}
	return nil
}

// Func does the tool's work.
type Func func(ctx context.Context, params Params) (any, error)

// Definition describes a tool.
type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema advertised to the model and used to
	// validate the model's arguments.
	Parameters map[string]any
	Scope      Scope
	Kind       Kind
	AgentTypes []string
	// Enabled reports whether the tool's configuration is present. Nil means always.
	Enabled func(ctx context.Context) bool
	Handler Func

	schema *jsonschema.Schema
}

// Spec returns the model-facing description.
func (d Definition) Spec() llm.ToolSpec {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: params}
}

func (d Definition) enabled(ctx context.Context) bool {
	return d.Enabled == nil || d.Enabled(ctx)
}

func (d Definition) visibleTo(agentType string) bool {
	if d.Scope != ScopeAgent {
		return true
	}
	for _, a := range d.AgentTypes {
		if a == agentType {
			return true
		}
	}
	return false
}

// Prepare validates a definition and compiles its schema.
func Prepare(def Definition) (Definition, error) {
	if def.Name == "" {
		return def, fmt.Errorf("%w: tool name is required", flow.ErrConfiguration)
	}
	if def.Handler == nil {
		return def, fmt.Errorf("%w: tool %s has no handler", flow.ErrConfiguration, def.Name)
	}
	if def.Scope == "" {
		def.Scope = ScopeGlobal
	}
	if def.Kind == "" {
		def.Kind = KindUtility
	}
	if def.Scope == ScopeAgent && len(def.AgentTypes) == 0 {
		return def, fmt.Errorf("%w: agent tool %s lists no agent types", flow.ErrConfiguration, def.Name)
	}
	if def.Parameters != nil {
		compiled, err := CompileSchema(def.Name, def.Parameters)
		if err != nil {
			return def, fmt.Errorf("%w: tool %s: %v", flow.ErrConfiguration, def.Name, err)
		}
		def.schema = compiled
	}
	return def, nil
}

// CompileSchema compiles a JSON schema held as a Go map.
func CompileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateDocument validates v against schema after normalising it through
// JSON so Go numeric types compare like decoded JSON.
func ValidateDocument(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// Registry holds the tools known to the process.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Definition
	logger   *slog.Logger
	observer Observer
}

// Observer receives the outcome of every execution.
type Observer func(ctx context.Context, name string, res Result, took time.Duration)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by executors built from the registry.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver installs an execution observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]Definition)}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).With(slog.String("component", "tool"))
	return r
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(def Definition) error {
	def, err := Prepare(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: tool %s already registered", flow.ErrConfiguration, def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) all() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}
