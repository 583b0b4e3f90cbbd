package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chubes4/data-machine/internal/executor"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/queue/streams"
	"github.com/chubes4/data-machine/internal/store/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

const (
	runStream    = "flow.run.requested"
	resultStream = "job.finished"
)

type stubJobs struct {
	mu       sync.Mutex
	prepared int
	ran      []string
	claimed  map[string]bool
	err      error
}

func (s *stubJobs) Prepare(ctx context.Context, flowID, trigger string) (flow.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flowID == "missing" {
		return flow.Job{}, fmt.Errorf("%w: flow %s", flow.ErrNotFound, flowID)
	}
	s.prepared++
	return flow.Job{ID: fmt.Sprintf("job-%d", s.prepared), FlowID: flowID, PipelineID: "p1", Trigger: trigger, Status: flow.JobPending}, nil
}

func (s *stubJobs) RunJob(ctx context.Context, jobID string) (flow.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[jobID] {
		return flow.Job{}, fmt.Errorf("%w: %s", executor.ErrJobClaimed, jobID)
	}
	if s.claimed == nil {
		s.claimed = make(map[string]bool)
	}
	s.claimed[jobID] = true
	s.ran = append(s.ran, "job:"+jobID)
	if s.err != nil {
		return flow.Job{}, s.err
	}
	return flow.Job{ID: jobID, FlowID: "f1", PipelineID: "p1", Status: flow.JobCompleted, ItemsCount: 2}, nil
}

func (s *stubJobs) RunFlow(ctx context.Context, flowID, trigger string) (flow.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, "flow:"+flowID+"/"+trigger)
	return flow.Job{ID: "job-direct", FlowID: flowID, Status: flow.JobCompletedNoItems}, nil
}

type fixture struct {
	client   *redis.Client
	jobs     *stubJobs
	proc     *Processor
	consumer *streams.Consumer
	pub      *streams.Publisher
	enqueuer *Enqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg, err := streams.NewBaseRegistry()
	require.NoError(t, err)
	require.NoError(t, streams.EnsureGroup(ctx, client, runStream, "workers"))

	f := &fixture{client: client, jobs: &stubJobs{}}
	f.pub = streams.NewPublisher(client, reg, 0)
	f.consumer = streams.NewConsumer(client, reg, "workers", "w1", logging.Discard())
	f.proc = NewProcessor(logging.Discard(), memstore.New(), f.jobs, f.consumer, f.pub,
		Config{RunStream: runStream, ResultStream: resultStream}, metricnoop.NewMeterProvider().Meter("test"), nil)
	f.enqueuer = NewEnqueuer(f.jobs, f.pub, runStream)
	return f
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	msgs, err := f.consumer.Read(context.Background(), runStream, streams.WithCount(10))
	require.NoError(t, err)
	f.proc.handleBatch(context.Background(), msgs)
	return len(msgs)
}

func TestEnqueuedRunIsExecutedAndAnnounced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, err := f.enqueuer.RunFlow(ctx, "f1", "schedule")
	require.NoError(t, err)
	assert.Equal(t, flow.JobPending, job.Status)

	assert.Equal(t, 1, f.drain(t))
	assert.Equal(t, []string{"job:" + job.ID}, f.jobs.ran)

	pending, err := f.client.XPending(ctx, runStream, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	entries, err := f.client.XRange(ctx, resultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	env, err := streams.UnmarshalEnvelope([]byte(entries[0].Values["envelope"].(string)))
	require.NoError(t, err)
	var done streams.JobFinished
	require.NoError(t, env.Decode(&done))
	assert.Equal(t, job.ID, done.JobID)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, 2, done.Items)
}

func TestEnqueuerReturnsPrepareErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.enqueuer.RunFlow(context.Background(), "missing", "manual")
	assert.ErrorIs(t, err, flow.ErrNotFound)
	assert.Zero(t, f.drain(t))
}

func TestRunRequestWithoutJobRunsFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.pub.PublishEvent(ctx, runStream, streams.EventFlowRunRequested, streams.RunRequested{FlowID: "f2", Trigger: "api"})
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, []string{"flow:f2/api"}, f.jobs.ran)
}

func TestDuplicateEventsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	env, err := streams.NewEnvelope(streams.EventFlowRunRequested, streams.RunRequested{JobID: "job-9", FlowID: "f1", Trigger: "manual"})
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, runStream, env)
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, runStream, env)
	require.NoError(t, err)

	assert.Equal(t, 2, f.drain(t))
	assert.Equal(t, []string{"job:job-9"}, f.jobs.ran)
}

func TestClaimedJobIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.jobs.claimed = map[string]bool{"job-1": true}
	env, err := streams.NewEnvelope(streams.EventFlowRunRequested, streams.RunRequested{JobID: "job-1", FlowID: "f1", Trigger: "manual"})
	require.NoError(t, err)
	assert.NoError(t, f.proc.Handle(ctx, streams.Message{ID: "1-0", Envelope: env}))

	f.jobs.err = errors.New("store down")
	env, err = streams.NewEnvelope(streams.EventFlowRunRequested, streams.RunRequested{JobID: "job-2", FlowID: "f1", Trigger: "manual"})
	require.NoError(t, err)
	assert.Error(t, f.proc.Handle(ctx, streams.Message{ID: "2-0", Envelope: env}))

	env.EventType = streams.EventJobFinished
	assert.Error(t, f.proc.Handle(ctx, streams.Message{ID: "3-0", Envelope: env}))
}

func TestReclaimRunsAbandonedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.enqueuer.RunFlow(ctx, "f1", "manual")
	require.NoError(t, err)

	crashed := streams.NewConsumer(f.client, nil, "workers", "crashed", logging.Discard())
	msgs, err := crashed.Read(ctx, runStream)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	f.proc.cfg.ReclaimIdle = 0
	require.NoError(t, f.proc.reclaim(ctx))
	assert.Equal(t, []string{"job:job-1"}, f.jobs.ran)
}
