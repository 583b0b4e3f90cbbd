package dedup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chubes4/data-machine/internal/dedup"
	"github.com/chubes4/data-machine/internal/flow"
	"github.com/chubes4/data-machine/internal/logging"
	"github.com/chubes4/data-machine/internal/store/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.SavePipeline(ctx, flow.Pipeline{ID: "p1"}))
	require.NoError(t, st.SaveFlow(ctx, flow.Flow{ID: "f1", PipelineID: "p1"}))
	return st
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	st := newStore(t)
	tr := dedup.New(st, dedup.WithLogger(logging.Discard()))
	ctx := context.Background()

	seen, err := tr.HasProcessed(ctx, "fetch_f1", "guid-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "guid-1", "job-1"))
	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "guid-1", "job-2"))

	seen, err = tr.HasProcessed(ctx, "fetch_f1", "guid-1")
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := tr.Count(ctx, "fetch_f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs := st.ListProcessed("fetch_f1")
	require.Len(t, recs, 1)
	assert.Equal(t, "job-1", recs[0].JobID)
}

func TestFilterAndClear(t *testing.T) {
	st := newStore(t)
	tr := dedup.New(st, dedup.WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	ctx := context.Background()

	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "b", "job-1"))
	fresh, err := tr.Filter(ctx, "fetch_f1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, fresh)

	affected, err := tr.Clear(ctx, dedup.ScopeFlow, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	fresh, err = tr.Filter(ctx, "fetch_f1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, fresh)

	_, err = tr.Clear(ctx, dedup.Scope("everything"), "f1")
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}

func TestDeleteRecord(t *testing.T) {
	st := newStore(t)
	tr := dedup.New(st)
	ctx := context.Background()
	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "a", "job-1"))
	recs := st.ListProcessed("fetch_f1")
	require.Len(t, recs, 1)

	require.NoError(t, tr.Delete(ctx, recs[0].ID))
	err := tr.Delete(ctx, recs[0].ID)
	assert.True(t, errors.Is(err, flow.ErrNotFound))
}

func TestRedisCacheFollowsRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := newStore(t)
	cache := dedup.NewRedisCache(client, time.Hour)
	tr := dedup.New(st, dedup.WithCache(cache))
	ctx := context.Background()

	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "a", "job-1"))
	members, err := mr.SMembers("dm:dedup:fetch_f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	_, err = tr.Clear(ctx, dedup.ScopePipeline, "p1")
	require.NoError(t, err)
	assert.False(t, mr.Exists("dm:dedup:fetch_f1"))

	seen, err := tr.HasProcessed(ctx, "fetch_f1", "a")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestValidationErrors(t *testing.T) {
	tr := dedup.New(memstore.New())
	_, err := tr.HasProcessed(context.Background(), "", "a")
	assert.ErrorIs(t, err, flow.ErrConfiguration)
	err = tr.MarkProcessed(context.Background(), "fetch_f1", "rss", "", "job")
	assert.ErrorIs(t, err, flow.ErrConfiguration)
}

func TestReleaseJobForgetsOnlyThatJobsItems(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st := newStore(t)
	tr := dedup.New(st, dedup.WithCache(dedup.NewRedisCache(client, time.Hour)), dedup.WithLogger(logging.Discard()))
	ctx := context.Background()

	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "old", "job-1"))
	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "a", "job-2"))
	require.NoError(t, tr.MarkProcessed(ctx, "fetch_f1", "rss", "b", "job-2"))

	n, err := tr.ReleaseJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fresh, err := tr.Filter(ctx, "fetch_f1", []string{"old", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fresh)
	members, err := mr.SMembers("dm:dedup:fetch_f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, members)

	n, err = tr.ReleaseJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Zero(t, n)
}
