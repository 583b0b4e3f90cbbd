package directive

import (
	"context"
	"strings"
	"testing"

	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOrdersByScopeThenPriority(t *testing.T) {
	s := NewSet()
	s.Add(
		Directive{Name: "ctx", Scope: ScopeContext, Content: "context"},
		Directive{Name: "agent-b", Scope: ScopeAgent, Priority: 20, Content: "agent b"},
		Directive{Name: "agent-a", Scope: ScopeAgent, Priority: 10, Content: "agent a"},
		Directive{Name: "policy", Scope: ScopeGlobal, Content: "policy"},
		Directive{Name: "core", Scope: ScopeCore, Priority: 99, Content: "core"},
		Directive{Name: "empty", Scope: ScopeCore, Content: "   "},
	)

	got := s.Resolve(context.Background(), Input{})
	names := make([]string, 0, len(got))
	for _, d := range got {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"core", "policy", "agent-a", "agent-b", "ctx"}, names)
}

func TestResolveFiltersByAgentType(t *testing.T) {
	s := NewSet()
	s.Add(
		Directive{Name: "writer", Scope: ScopeAgent, Content: "write", AgentTypes: []string{"writer"}},
		Directive{Name: "all", Scope: ScopeAgent, Content: "everyone"},
	)
	got := s.Resolve(context.Background(), Input{AgentType: "editor"})
	require.Len(t, got, 1)
	assert.Equal(t, "all", got[0].Name)

	got = s.Resolve(context.Background(), Input{AgentType: "writer"})
	assert.Len(t, got, 2)
}

func TestDefaultsRender(t *testing.T) {
	s := Defaults("Never publish profanity.")
	in := Input{
		SystemPrompt: "Summarise in two sentences.",
		Tools:        []llm.ToolSpec{{Name: "webhook_publish", Description: "Send to the webhook"}},
		EngineData:   enginedata.Record{enginedata.KeySourceURL: "https://example.com/post"},
	}
	msgs := Render(s.Resolve(context.Background(), in))
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, llm.RoleSystem, m.Role)
	}
	assert.Equal(t, coreIdentity, msgs[0].Content)
	assert.Equal(t, "Never publish profanity.", msgs[1].Content)
	assert.Equal(t, "Summarise in two sentences.", msgs[2].Content)
	assert.True(t, strings.Contains(msgs[3].Content, "webhook_publish"))
	assert.True(t, strings.Contains(msgs[3].Content, "https://example.com/post"))
}

func TestDefaultsSkipsEmptyLayers(t *testing.T) {
	msgs := Render(Defaults("").Resolve(context.Background(), Input{}))
	require.Len(t, msgs, 1)
	assert.Equal(t, coreIdentity, msgs[0].Content)
}
