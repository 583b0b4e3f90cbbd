package step

import (
	"context"
	"errors"
	"testing"

	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/enginedata"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/handler"
	"github.com/chubes4/data-machine/internal/handler/handlertest"
	"github.com/chubes4/data-machine/internal/llm"
	"github.com/chubes4/data-machine/internal/llm/llmtest"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/store/memstore"
	"github.com/chubes4/data-machine/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	runner   *Runner
	tracker  *dedup.Tracker
	engine   *enginedata.MemoryStore
	fetcher  *handlertest.StaticFetcher
	pub      *handlertest.Action
	upd      *handlertest.Action
	provider *llmtest.Scripted
}

func newFixture(t *testing.T, responses ...llm.Response) *fixture {
	t.Helper()
	f := &fixture{
		tracker:  dedup.New(memstore.New(), dedup.WithLogger(logging.Discard())),
		engine:   enginedata.NewMemoryStore(),
		fetcher:  handlertest.NewStaticFetcher("static"),
		pub:      handlertest.NewPublisher("rec_publish"),
		upd:      handlertest.NewUpdater("rec_update"),
		provider: llmtest.New(responses...),
	}
	handlers := handler.NewRegistry(nil)
	handlers.MustRegister(f.fetcher)
	handlers.MustRegister(f.pub)
	handlers.MustRegister(f.upd)

	tools := tool.NewRegistry(tool.WithLogger(logging.Discard()))
	require.NoError(t, tool.RegisterBuiltins(tools))
	providers := llm.NewRegistry("")
	providers.Register(f.provider)

	f.runner = New(handlers, tools, providers, f.tracker, f.engine,
		WithDefaultModel("test-model"), WithLogger(logging.Discard()))
	return f
}

func items(ids ...string) []handler.Item {
	out := make([]handler.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, handler.Item{Identifier: id, Title: "title " + id, Body: "body " + id, SourceURL: "https://src.example/" + id})
	}
	return out
}

func stepCfg(stepType flow.StepType, slug string) flow.FlowStepConfig {
	id := string(stepType) + "-step_f1"
	return flow.FlowStepConfig{FlowStepID: id, PipelineStepID: string(stepType) + "-step", FlowID: "f1", StepType: stepType, HandlerSlug: slug}
}

func TestFetchMarksItemsAndThenFindsNothing(t *testing.T) {
	f := newFixture(t)
	f.fetcher.SetItems(items("a", "b", "c")...)
	cfg := stepCfg(flow.StepFetch, "static")

	res, err := f.runner.Execute(context.Background(), Request{PipelineID: "p1", Payload: flow.Payload{JobID: "j1", FlowStepID: cfg.FlowStepID, StepConfig: cfg}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, 3, res.Items)
	require.Len(t, res.Packets, 3)
	assert.Equal(t, "a", res.Packets[0].Metadata[enginedata.KeyItemID])
	assert.Equal(t, "https://src.example/a", res.Packets[0].SourceURL())

	n, err := f.tracker.Count(context.Background(), cfg.FlowStepID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	rec, _ := f.engine.Get(context.Background(), "j1")
	assert.Equal(t, "https://src.example/a", rec.String(enginedata.KeySourceURL))

	res, err = f.runner.Execute(context.Background(), Request{PipelineID: "p1", Payload: flow.Payload{JobID: "j2", FlowStepID: cfg.FlowStepID, StepConfig: cfg}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoItems, res.Outcome)
	assert.Empty(t, res.Packets)
}

func TestFetchUnknownHandlerIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	cfg := stepCfg(flow.StepFetch, "missing")
	_, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{StepConfig: cfg}})
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}

func TestUpdateRequiresSourceURL(t *testing.T) {
	f := newFixture(t)
	cfg := stepCfg(flow.StepUpdate, "rec_update")
	data := flow.Packets{{Type: flow.PacketAI, Content: flow.Content{Title: "T", Body: "B"}}}

	_, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{JobID: "j1", Data: data, StepConfig: cfg}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, flow.ErrMissingEngineData))
	assert.Equal(t, "missing source_url", err.Error())
	assert.Empty(t, f.upd.Requests())

	res, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{
		JobID: "j1", Data: data, StepConfig: cfg,
		EngineData: map[string]any{enginedata.KeySourceURL: "https://src.example/a"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Packets, 2)
	assert.True(t, res.Packets.HasPrefix(data))
	assert.Equal(t, flow.PacketUpdate, res.Packets[1].Type)
	require.Len(t, f.upd.Requests(), 1)
	assert.Equal(t, "B", f.upd.Requests()[0].Content)
}

func TestPublishAppendsPacket(t *testing.T) {
	f := newFixture(t)
	cfg := stepCfg(flow.StepPublish, "rec_publish")
	data := flow.Packets{{Type: flow.PacketAI, Content: flow.Content{Title: "T", Body: "B"}}}
	res, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{JobID: "j1", Data: data, StepConfig: cfg}})
	require.NoError(t, err)
	require.Len(t, res.Packets, 2)
	assert.Equal(t, "rec_publish-1", res.Packets[1].Metadata["id"])
	assert.Len(t, data, 1, "input chain untouched")

	cfg.HandlerSlug = ""
	_, err = f.runner.Execute(context.Background(), Request{Payload: flow.Payload{Data: data, StepConfig: cfg}})
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}

func TestAIStepAppendsContent(t *testing.T) {
	f := newFixture(t, llm.Response{Content: "summary"})
	cfg := stepCfg(flow.StepAI, "")
	cfg.Directive = "Summarise."
	data := flow.Packets{{Type: flow.PacketFetch, Content: flow.Content{Title: "T", Body: "long body"}}}

	res, err := f.runner.Execute(context.Background(), Request{
		Step:    flow.PipelineStep{Config: map[string]any{"system_prompt": "Be terse."}},
		Payload: flow.Payload{JobID: "j1", Data: data, StepConfig: cfg},
	})
	require.NoError(t, err)
	require.Len(t, res.Packets, 2)
	assert.Equal(t, flow.PacketAI, res.Packets[1].Type)
	assert.Equal(t, "summary", res.Packets[1].Content.Body)
	assert.Equal(t, "T", res.Packets[1].Content.Title)

	reqs := f.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "Summarise.")
	assert.Contains(t, last.Content, "long body")
}

func TestAIStepSkip(t *testing.T) {
	f := newFixture(t, llm.Response{ToolCalls: []llm.ToolCall{llmtest.Call("1", tool.SkipItemName, map[string]any{"reason": "duplicate"})}})
	cfg := stepCfg(flow.StepAI, "")
	data := flow.Packets{{Type: flow.PacketFetch, Content: flow.Content{Title: "T"}}}
	res, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{JobID: "j1", Data: data, StepConfig: cfg}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "duplicate", res.SkipReason)
	assert.Len(t, res.Packets, 1)
}

func TestAIStepHandlerToolWithoutSourceURLFails(t *testing.T) {
	f := newFixture(t,
		llm.Response{ToolCalls: []llm.ToolCall{llmtest.Call("1", "rec_update", map[string]any{"content": "new"})}},
		llm.Response{Content: "I could not update the post."},
	)
	cfg := stepCfg(flow.StepAI, "")
	upd := stepCfg(flow.StepUpdate, "rec_update")
	data := flow.Packets{{Type: flow.PacketFetch, Content: flow.Content{Title: "T"}}}

	_, err := f.runner.Execute(context.Background(), Request{
		Payload:     flow.Payload{JobID: "j1", Data: data, StepConfig: cfg},
		ActionSteps: []flow.FlowStepConfig{upd},
	})
	require.Error(t, err)
	assert.Equal(t, "missing source_url", err.Error())
	assert.ErrorIs(t, err, flow.ErrMissingEngineData)
}

func TestAIStepHandlerToolSuccessMarksStepHandled(t *testing.T) {
	f := newFixture(t, llm.Response{Content: "Final", ToolCalls: []llm.ToolCall{llmtest.Call("1", "rec_publish", map[string]any{"title": "T", "content": "Final"})}})
	cfg := stepCfg(flow.StepAI, "")
	pub := stepCfg(flow.StepPublish, "rec_publish")
	data := flow.Packets{{Type: flow.PacketFetch, Content: flow.Content{Title: "T"}}}

	res, err := f.runner.Execute(context.Background(), Request{
		Payload:     flow.Payload{JobID: "j1", Data: data, StepConfig: cfg},
		ActionSteps: []flow.FlowStepConfig{pub},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{pub.FlowStepID}, res.Handled)
	require.Len(t, res.Packets, 3)
	assert.Equal(t, flow.PacketAI, res.Packets[1].Type)
	assert.Equal(t, flow.PacketPublish, res.Packets[2].Type)
	require.Len(t, f.pub.Requests(), 1)
	assert.Equal(t, "Final", f.pub.Requests()[0].Content)
}

func TestAIStepTurnLimit(t *testing.T) {
	f := newFixture(t, llm.Response{ToolCalls: []llm.ToolCall{llmtest.Call("1", "nope", nil)}})
	f.runner.maxTurns = 2
	cfg := stepCfg(flow.StepAI, "")
	res, err := f.runner.Execute(context.Background(), Request{Payload: flow.Payload{JobID: "j1", StepConfig: cfg}})
	assert.ErrorIs(t, err, flow.ErrTurnLimit)
	assert.Equal(t, 2, res.Detail["turns"])
}
