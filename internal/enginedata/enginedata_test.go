package enginedata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, rec)

	require.NoError(t, s.Merge(ctx, "job-1", Record{KeySourceURL: "https://example.com/a"}))
	require.NoError(t, s.Merge(ctx, "job-1", Record{KeyImageURL: "https://example.com/a.png"}))

	rec, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", rec.String(KeySourceURL))
	assert.Equal(t, "https://example.com/a.png", rec.String(KeyImageURL))

	rec[KeySourceURL] = "mutated"
	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", again.String(KeySourceURL), "callers get a copy")

	require.NoError(t, s.Delete(ctx, "job-1"))
	rec, err = s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedisStore(client, time.Hour))

	s := NewRedisStore(client, time.Minute)
	require.NoError(t, s.Merge(context.Background(), "job-2", Record{KeyItemID: "guid"}))
	assert.Equal(t, time.Minute, mr.TTL("dm:engine:job-2"))
	mr.FastForward(2 * time.Minute)
	rec, err := s.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Empty(t, rec)
}
