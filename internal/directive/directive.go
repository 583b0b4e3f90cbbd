// Package directive assembles the system instructions sent with every AI
// request. Directives are layered by scope and ordered by priority inside a
// scope, so identity always precedes policy and policy precedes context.
package directive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/llm"
)

// Scope is the layer a directive belongs to. Lower scopes render first.
type Scope int

const (
	ScopeCore Scope = iota
	ScopeGlobal
	ScopeAgent
	ScopeContext
)

func (s Scope) String() string {
	switch s {
	case ScopeCore:
		return "core"
	case ScopeGlobal:
		return "global"
	case ScopeAgent:
		return "agent"
	case ScopeContext:
		return "context"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Directive is one instruction fragment.
type Directive struct {
	Name     string
	Scope    Scope
	Priority int
	Content  string
	// AgentTypes limits the directive to the listed agent types. Empty means all.
	AgentTypes []string
}

func (d Directive) appliesTo(agentType string) bool {
	if len(d.AgentTypes) == 0 {
		return true
	}
	for _, a := range d.AgentTypes {
		if a == agentType {
			return true
		}
	}
	return false
}

// Input is what a source may inspect when producing directives for one request.
type Input struct {
	AgentType    string
	SystemPrompt string
	Tools        []llm.ToolSpec
	EngineData   enginedata.Record
}

// Source produces directives computed per request.
type Source func(ctx context.Context, in Input) []Directive

// Set is a registry of static directives and dynamic sources.
type Set struct {
	mu      sync.RWMutex
	static  []Directive
	sources []Source
}

// NewSet returns an empty Set.
func NewSet() *Set { return &Set{} }

// Add registers static directives.
func (s *Set) Add(ds ...Directive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = append(s.static, ds...)
}

// AddSource registers a dynamic source.
func (s *Set) AddSource(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// Resolve returns the directives that apply to in, sorted by scope, then
// priority, then name. Empty directives are dropped.
func (s *Set) Resolve(ctx context.Context, in Input) []Directive {
	s.mu.RLock()
	all := append([]Directive(nil), s.static...)
	sources := append([]Source(nil), s.sources...)
	s.mu.RUnlock()

	for _, src := range sources {
		all = append(all, src(ctx, in)...)
	}
	out := all[:0]
	for _, d := range all {
		if strings.TrimSpace(d.Content) == "" || !d.appliesTo(in.AgentType) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Render turns resolved directives into system messages, one per directive.
func Render(ds []Directive) []llm.Message {
	msgs := make([]llm.Message, 0, len(ds))
	for _, d := range ds {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: strings.TrimSpace(d.Content)})
	}
	return msgs
}

const coreIdentity = `You are an automation agent inside a content pipeline. You receive content gathered by earlier steps and act on it using the tools provided. Call a tool when an action is required. When you are done, reply with the final content only.`

// Defaults returns a Set with the built-in core identity, the configured
// global policy, the step's own system prompt and a tool/context summary.
func Defaults(globalPolicy string) *Set {
	s := NewSet()
	s.Add(
		Directive{Name: "identity", Scope: ScopeCore, Content: coreIdentity},
		Directive{Name: "global_policy", Scope: ScopeGlobal, Content: globalPolicy},
	)
	s.AddSource(func(_ context.Context, in Input) []Directive {
		return []Directive{{Name: "agent_prompt", Scope: ScopeAgent, Content: in.SystemPrompt}}
	})
	s.AddSource(toolContext)
	return s
}

func toolContext(_ context.Context, in Input) []Directive {
	var b strings.Builder
	if len(in.Tools) > 0 {
		b.WriteString("Available tools:\n")
		for _, t := range in.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if url := in.EngineData.String(enginedata.KeySourceURL); url != "" {
		fmt.Fprintf(&b, "The current item was fetched from %s.\n", url)
	}
	return []Directive{{Name: "tool_context", Scope: ScopeContext, Content: b.String()}}
}
