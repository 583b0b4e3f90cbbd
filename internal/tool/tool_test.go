package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "echo params",
		Handler: func(_ context.Context, p Params) (any, error) {
			return map[string]any(p), nil
		},
	}
}

func testPayload() flow.Payload {
	return flow.Payload{
		JobID:      "job-1",
		FlowStepID: "step-1_flow-1",
		Data:       flow.Packets{{Type: flow.PacketFetch, Content: flow.Content{Title: "t"}}},
		StepConfig: flow.FlowStepConfig{FlowStepID: "step-1_flow-1"},
		EngineData: map[string]any{"source_url": "https://example.com/a", "job_id": "shadowed"},
	}
}

func TestBuildParametersAIArgsWin(t *testing.T) {
	params := BuildParameters(testPayload(), map[string]any{"title": "Hello", "source_url": "https://override"})

	assert.Equal(t, "job-1", params["job_id"], "engine data does not shadow payload keys")
	assert.Equal(t, "step-1_flow-1", params["flow_step_id"])
	assert.Equal(t, "Hello", params["title"])
	assert.Equal(t, "https://override", params["source_url"])
	assert.Equal(t, "https://example.com/a", params.EngineData()["source_url"])
	assert.Len(t, params["data"], 1)
}

func TestBuildParametersCopiesEngineData(t *testing.T) {
	payload := testPayload()
	params := BuildParameters(payload, nil)
	params.EngineData()["source_url"] = "mutated"
	assert.Equal(t, "https://example.com/a", payload.EngineData["source_url"])
}

func TestExecuteUnknownAndDisabled(t *testing.T) {
	reg := NewRegistry(WithLogger(logging.Discard()))
	off := echoTool("needs_key")
	off.Enabled = func(context.Context) bool { return false }
	require.NoError(t, reg.Register(off))

	exec, err := reg.ForStep("", nil)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "nope", nil, testPayload())
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrUnknownTool))

	res = exec.Execute(context.Background(), "needs_key", nil, testPayload())
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrToolDisabled))
	assert.Empty(t, exec.Specs(context.Background()))
}

func TestExecuteRespectsScopes(t *testing.T) {
	reg := NewRegistry(WithLogger(logging.Discard()))
	require.NoError(t, reg.Register(echoTool("search")))
	require.NoError(t, reg.Register(echoTool("calendar")))
	agentOnly := echoTool("draft")
	agentOnly.Scope = ScopeAgent
	agentOnly.AgentTypes = []string{"writer"}
	require.NoError(t, reg.Register(agentOnly))
	require.NoError(t, RegisterBuiltins(reg))

	exec, err := reg.ForStep("editor", []string{"search"}, echoTool("webhook_publish"))
	require.NoError(t, err)

	names := []string{}
	for _, s := range exec.Specs(context.Background()) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"search", "skip_item", "webhook_publish"}, names)

	assert.False(t, exec.Execute(context.Background(), "calendar", nil, testPayload()).Success)
	assert.False(t, exec.Execute(context.Background(), "draft", nil, testPayload()).Success)
	assert.True(t, exec.Execute(context.Background(), "search", nil, testPayload()).Success)

	writer, err := reg.ForStep("writer", []string{"search"})
	require.NoError(t, err)
	assert.True(t, writer.Execute(context.Background(), "draft", nil, testPayload()).Success)
}

func TestExecuteValidatesArguments(t *testing.T) {
	reg := NewRegistry(WithLogger(logging.Discard()))
	def := echoTool("publish")
	def.Parameters = map[string]any{
		"type":       "object",
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
		"required":   []any{"title"},
	}
	require.NoError(t, reg.Register(def))
	exec, err := reg.ForStep("", nil)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "publish", map[string]any{}, testPayload())
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrInvalidArgs))

	res = exec.Execute(context.Background(), "publish", map[string]any{"title": "ok"}, testPayload())
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Data.(map[string]any)["title"])
}

func TestExecuteHandlerErrorAndObserver(t *testing.T) {
	var observed []string
	reg := NewRegistry(
		WithLogger(logging.Discard()),
		WithObserver(func(_ context.Context, name string, res Result, _ time.Duration) {
			observed = append(observed, name)
		}),
	)
	require.NoError(t, reg.Register(Definition{
		Name: "update",
		Kind: KindHandler,
		Handler: func(_ context.Context, p Params) (any, error) {
			return nil, flow.MissingEngineDataError{Key: "source_url"}
		},
	}))
	exec, err := reg.ForStep("", nil)
	require.NoError(t, err)

	res := exec.Execute(context.Background(), "update", nil, testPayload())
	assert.False(t, res.Success)
	assert.Equal(t, "missing source_url", res.Error)
	assert.Equal(t, KindHandler, res.Kind)
	assert.JSONEq(t, `{"success":false,"error":"missing source_url"}`, res.Message())
	assert.Equal(t, []string{"update"}, observed)
}

func TestSkipItem(t *testing.T) {
	reg := NewRegistry(WithLogger(logging.Discard()))
	require.NoError(t, RegisterBuiltins(reg))
	exec, err := reg.ForStep("", []string{"other"})
	require.NoError(t, err)

	res := exec.Execute(context.Background(), SkipItemName, map[string]any{"reason": " Already Covered "}, testPayload())
	reason, ok := SkipReason(res)
	require.True(t, ok)
	assert.Equal(t, "already_covered", reason)

	res = exec.Execute(context.Background(), SkipItemName, map[string]any{}, testPayload())
	_, ok = SkipReason(res)
	assert.False(t, ok)
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	reg := NewRegistry(WithLogger(logging.Discard()))
	assert.ErrorIs(t, reg.Register(Definition{Name: "x"}), flow.ErrConfiguration)
	assert.ErrorIs(t, reg.Register(Definition{Handler: echoTool("a").Handler}), flow.ErrConfiguration)
	require.NoError(t, reg.Register(echoTool("a")))
	assert.ErrorIs(t, reg.Register(echoTool("a")), flow.ErrConfiguration)
	agent := echoTool("b")
	agent.Scope = ScopeAgent
	assert.ErrorIs(t, reg.Register(agent), flow.ErrConfiguration)
}
