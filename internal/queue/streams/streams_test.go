package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	reg, err := NewBaseRegistry()
	require.NoError(t, err)
	const stream = "flow.run.requested"
	require.NoError(t, EnsureGroup(ctx, client, stream, "workers"))
	require.NoError(t, EnsureGroup(ctx, client, stream, "workers"), "existing group is fine")

	pub := NewPublisher(client, reg, 1000)
	_, err = pub.PublishEvent(ctx, stream, EventFlowRunRequested, RunRequested{JobID: "job-1", FlowID: "f1", Trigger: "schedule"})
	require.NoError(t, err)

	_, err = pub.PublishEvent(ctx, stream, EventFlowRunRequested, map[string]any{"trigger": "schedule"})
	assert.Error(t, err, "publisher validates payloads")

	cons := NewConsumer(client, reg, "workers", "w1", logging.Discard())
	msgs, err := cons.Read(ctx, stream, WithCount(10))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var payload RunRequested
	require.NoError(t, msgs[0].Envelope.Decode(&payload))
	assert.Equal(t, "job-1", payload.JobID)
	assert.Equal(t, "f1", payload.FlowID)

	pending, err := client.XPending(ctx, stream, "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	require.NoError(t, cons.Ack(ctx, stream, msgs[0].ID))
	pending, err = client.XPending(ctx, stream, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	msgs, err = cons.Read(ctx, stream)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConsumerDropsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	reg, err := NewBaseRegistry()
	require.NoError(t, err)
	const stream = "runs"
	require.NoError(t, EnsureGroup(ctx, client, stream, "workers"))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"other": "x"}}).Err())
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"envelope": "not json"}}).Err())
	env, err := NewEnvelope(EventFlowRunRequested, map[string]any{"trigger": "manual"})
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"envelope": raw}}).Err())

	cons := NewConsumer(client, reg, "workers", "w1", logging.Discard())
	msgs, err := cons.Read(ctx, stream, WithCount(10))
	require.NoError(t, err)
	assert.Empty(t, msgs)
	pending, err := client.XPending(ctx, stream, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "invalid entries are acknowledged")
}

func TestAutoClaimTakesOverPendingEntries(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	reg, err := NewBaseRegistry()
	require.NoError(t, err)
	const stream = "runs"
	require.NoError(t, EnsureGroup(ctx, client, stream, "workers"))
	pub := NewPublisher(client, reg, 0)
	_, err = pub.PublishEvent(ctx, stream, EventFlowRunRequested, RunRequested{FlowID: "f1", Trigger: "manual"})
	require.NoError(t, err)

	crashed := NewConsumer(client, reg, "workers", "w1", logging.Discard())
	msgs, err := crashed.Read(ctx, stream)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	rescuer := NewConsumer(client, reg, "workers", "w2", logging.Discard())
	claimed, _, err := rescuer.AutoClaim(ctx, stream, 0, "", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)
	require.NoError(t, rescuer.Ack(ctx, stream, claimed[0].ID))
}

func TestGroupLagReportsBacklog(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	reg, err := NewBaseRegistry()
	require.NoError(t, err)
	const stream = "flow.run.requested"

	lag, err := GroupLag(ctx, client, stream, "workers")
	require.NoError(t, err)
	assert.Equal(t, LagMetrics{Lag: -1}, lag, "unwritten stream")

	require.NoError(t, EnsureGroup(ctx, client, stream, "workers"))
	pub := NewPublisher(client, reg, 0)
	for _, id := range []string{"f1", "f2"} {
		_, err = pub.PublishEvent(ctx, stream, EventFlowRunRequested, RunRequested{FlowID: id, Trigger: "api"})
		require.NoError(t, err)
	}
	cons := NewConsumer(client, reg, "workers", "w1", logging.Discard())
	msgs, err := cons.Read(ctx, stream, WithCount(1))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	lag, err = GroupLag(ctx, client, stream, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(2), lag.Length)
	assert.Equal(t, int64(1), lag.Pending)

	_, err = GroupLag(ctx, client, "", "workers")
	assert.Error(t, err)
}
