package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chubes4/data-machine/internal/directive"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider replays responses in order and repeats the last one.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []llm.Response
	err       error
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return llm.Response{}, p.err
	}
	i := len(p.requests) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

type countingTools struct {
	calls   map[string]int
	results map[string]tool.Result
}

func newCountingTools() *countingTools {
	return &countingTools{calls: map[string]int{}, results: map[string]tool.Result{}}
}

func (c *countingTools) Specs(context.Context) []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "search"}, {Name: "publish"}}
}

func (c *countingTools) Execute(_ context.Context, name string, _ map[string]any, _ flow.Payload) tool.Result {
	c.calls[name]++
	if res, ok := c.results[name]; ok {
		res.Tool = name
		return res
	}
	res := tool.OK(map[string]any{"ok": true})
	res.Tool = name
	return res
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestRunFinishesWithoutToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []llm.Response{{Content: "final text"}}}
	set := directive.NewSet()
	set.Add(directive.Directive{Name: "core", Scope: directive.ScopeCore, Content: "identity"})
	loop := New(p, WithDirectives(set), WithLogger(logging.Discard()))

	res, err := loop.Run(context.Background(), Request{
		Model:    "m",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
		Tools:    newCountingTools(),
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "final text", res.Content)
	assert.Equal(t, 1, res.Turns)
	require.Len(t, p.requests, 1)
	assert.Equal(t, llm.RoleSystem, p.requests[0].Messages[0].Role)
	assert.Equal(t, "identity", p.requests[0].Messages[0].Content)
	assert.Equal(t, "hello", p.requests[0].Messages[1].Content)
	assert.Len(t, p.requests[0].Tools, 2)
}

func TestRunStopsAtTurnLimit(t *testing.T) {
	p := &scriptedProvider{}
	for i := 0; i < 20; i++ {
		p.responses = append(p.responses, llm.Response{ToolCalls: []llm.ToolCall{
			call("c", "search", map[string]any{"q": i}),
		}})
	}
	loop := New(p, WithLogger(logging.Discard()))

	res, err := loop.Run(context.Background(), Request{Model: "m", Tools: newCountingTools()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrTurnLimit))
	assert.False(t, errors.Is(err, flow.ErrProvider))
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, DefaultMaxTurns, res.Turns)
	assert.Len(t, p.requests, DefaultMaxTurns)

	short := New(p, WithMaxTurns(3), WithLogger(logging.Discard()))
	p.requests = nil
	res, err = short.Run(context.Background(), Request{Model: "m", Tools: newCountingTools()})
	assert.ErrorIs(t, err, flow.ErrTurnLimit)
	assert.Equal(t, 3, res.Turns)
}

func TestRunReusesDuplicateToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{call("1", "search", map[string]any{"q": "go", "n": 1})}},
		{ToolCalls: []llm.ToolCall{
			call("2", "search", map[string]any{"n": 1, "q": "go"}),
			call("3", "search", map[string]any{"q": "rust", "n": 1}),
		}},
		{Content: "done"},
	}}
	tools := newCountingTools()
	loop := New(p, WithLogger(logging.Discard()))

	res, err := loop.Run(context.Background(), Request{Model: "m", Tools: tools})
	require.NoError(t, err)
	assert.Equal(t, 2, tools.calls["search"])
	assert.Len(t, res.ToolResults, 2)

	toolMsgs := 0
	for _, m := range res.Messages {
		if m.Role == llm.RoleTool {
			toolMsgs++
		}
	}
	assert.Equal(t, 3, toolMsgs, "every call gets a tool message")
}

func TestRunWrapsProviderErrors(t *testing.T) {
	p := &scriptedProvider{err: errors.New("connection refused")}
	loop := New(p, WithLogger(logging.Discard()))
	res, err := loop.Run(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, flow.ErrProvider)
	assert.False(t, errors.Is(err, flow.ErrTurnLimit))
	assert.Equal(t, StateAborted, res.State)
}

func TestRunEndsOnSkip(t *testing.T) {
	reg := tool.NewRegistry(tool.WithLogger(logging.Discard()))
	require.NoError(t, tool.RegisterBuiltins(reg))
	exec, err := reg.ForStep("", nil)
	require.NoError(t, err)

	p := &scriptedProvider{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{call("1", tool.SkipItemName, map[string]any{"reason": "duplicate"})}},
		{Content: "never reached"},
	}}
	res, err := New(p, WithLogger(logging.Discard())).Run(context.Background(), Request{Model: "m", Tools: exec})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Skipped)
	assert.Equal(t, "duplicate", res.SkipReason)
	assert.Len(t, p.requests, 1)
}

func TestRunEndsOnHandlerSuccessAndReportsFailure(t *testing.T) {
	tools := newCountingTools()
	ok := tool.OK("posted")
	ok.Kind = tool.KindHandler
	tools.results["publish"] = ok

	p := &scriptedProvider{responses: []llm.Response{
		{Content: "Summary", ToolCalls: []llm.ToolCall{call("1", "publish", map[string]any{"title": "x"})}},
	}}
	res, err := New(p, WithLogger(logging.Discard())).Run(context.Background(), Request{Model: "m", Tools: tools})
	require.NoError(t, err)
	assert.True(t, res.HandlerCompleted)
	assert.Equal(t, "Summary", res.Content)
	_, failed := res.HandlerFailure()
	assert.False(t, failed)

	bad := tool.Fail(flow.MissingEngineDataError{Key: "source_url"})
	bad.Kind = tool.KindHandler
	tools.results["publish"] = bad
	p = &scriptedProvider{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{call("1", "publish", map[string]any{"title": "x"})}},
		{Content: "could not update"},
	}}
	res, err = New(p, WithLogger(logging.Discard())).Run(context.Background(), Request{Model: "m", Tools: tools})
	require.NoError(t, err)
	failure, failed := res.HandlerFailure()
	require.True(t, failed)
	assert.Equal(t, "missing source_url", failure.Error)
}
