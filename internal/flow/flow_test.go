package flow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowStepIDRoundTrip(t *testing.T) {
	id := FlowStepID("step_fetch", "42")
	assert.Equal(t, "step_fetch_42", id)

	stepID, flowID, err := ParseFlowStepID(id)
	require.NoError(t, err)
	assert.Equal(t, "step_fetch", stepID)
	assert.Equal(t, "42", flowID)

	_, _, err = ParseFlowStepID("nounderscore")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPipelineStepOrdering(t *testing.T) {
	p := Pipeline{ID: "p1"}
	require.NoError(t, p.AddStep(PipelineStep{StepID: "a", StepType: StepFetch}))
	require.NoError(t, p.AddStep(PipelineStep{StepID: "b", StepType: StepAI}))
	require.NoError(t, p.AddStep(PipelineStep{StepID: "c", StepType: StepPublish}))

	require.NoError(t, p.MoveStep("c", 0))
	ids := func() []string {
		var out []string
		for _, s := range p.OrderedSteps() {
			out = append(out, fmt.Sprintf("%s:%d", s.StepID, s.ExecutionOrder))
		}
		return out
	}
	assert.Equal(t, []string{"c:0", "a:1", "b:2"}, ids())

	assert.True(t, p.RemoveStep("a"))
	assert.Equal(t, []string{"c:0", "b:1"}, ids())
	assert.False(t, p.RemoveStep("missing"))

	err := p.AddStep(PipelineStep{StepID: "b", StepType: StepAI})
	assert.ErrorIs(t, err, ErrConfiguration)
	err = p.AddStep(PipelineStep{StepID: "x", StepType: "transform"})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFlowSyncStepsAndValidate(t *testing.T) {
	p := Pipeline{ID: "p1", Steps: []PipelineStep{
		{StepID: "fetch", StepType: StepFetch, ExecutionOrder: 0},
		{StepID: "ai", StepType: StepAI, ExecutionOrder: 1},
	}}
	f := Flow{ID: "f1", Config: map[string]FlowStepConfig{
		"fetch_f1": {HandlerSlug: "rss", HandlerConfig: map[string]any{"feed_url": "https://example.com/feed"}},
		"gone_f1":  {HandlerSlug: "stale"},
	}}
	f.SyncSteps(p)

	require.Len(t, f.Config, 2)
	fetch, ok := f.StepConfig("fetch")
	require.True(t, ok)
	assert.Equal(t, "rss", fetch.HandlerSlug)
	assert.Equal(t, "p1", fetch.PipelineID)
	assert.Equal(t, StepFetch, fetch.StepType)
	_, ok = f.Config["gone_f1"]
	assert.False(t, ok)

	require.NoError(t, f.Validate(p))

	cfg := f.Config["fetch_f1"]
	cfg.HandlerSlug = ""
	f.Config["fetch_f1"] = cfg
	assert.ErrorIs(t, f.Validate(p), ErrConfiguration)
}

func TestJobStatusClassification(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.True(t, JobCompletedNoItems.Success())
	assert.True(t, JobAgentSkipped.Success())
	assert.False(t, JobFailed.Success())

	j := Job{Status: JobAgentSkipped, SkipReason: "off_topic"}
	assert.Equal(t, "agent_skipped-off_topic", j.StatusLabel())
	j = Job{Status: JobCompleted}
	assert.Equal(t, "completed", j.StatusLabel())
}

func TestPacketsAppendKeepsPrefix(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	first := Packets{}.Append(DataPacket{Type: PacketFetch, Content: Content{Title: "one"}, Timestamp: ts})
	second := first.Append(DataPacket{Type: PacketAI, Content: Content{Title: "two"}, Timestamp: ts.Add(time.Second)})
	third := second.Append(DataPacket{Type: PacketPublish, Content: Content{Title: "three"}, Timestamp: ts.Add(2 * time.Second)})

	assert.Len(t, first, 1)
	assert.Len(t, second, 2)
	assert.True(t, second.HasPrefix(first))
	assert.True(t, third.HasPrefix(second))
	assert.False(t, first.HasPrefix(second))

	latest, ok := third.Latest()
	require.True(t, ok)
	assert.Equal(t, "three", latest.Content.Title)
}

func TestMergeSettingsPrecedence(t *testing.T) {
	schema := Settings{"limit": 10, "format": "text", "timeout": 30}
	site := Settings{"limit": 20, "format": nil}
	explicit := Settings{"limit": 5}

	got := MergeSettings(schema, site, explicit)
	assert.Equal(t, 5, got.Int("limit", 0))
	assert.Equal(t, "text", got.String("format", ""))
	assert.Equal(t, 30, got.Int("timeout", 0))
	assert.Equal(t, []string{"a", "b"}, Settings{"urls": []any{"a", "", "b"}}.Strings("urls"))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTurnLimit, KindOf(fmt.Errorf("loop: %w", ErrTurnLimit)))
	assert.Equal(t, KindMissingEngineData, KindOf(MissingEngineDataError{Key: "source_url"}))
	assert.Equal(t, KindProvider, KindOf(fmt.Errorf("%w: timeout", ErrProvider)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, "missing source_url", MissingEngineDataError{Key: "source_url"}.Error())
}
