package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics is the backlog of one consumer group. Lag is -1 while the group
// does not exist yet.
type LagMetrics struct {
	Length     int64         `json:"length"`
	Pending    int64         `json:"pending"`
	Lag        int64         `json:"lag"`
	Consumers  int64         `json:"consumers"`
	OldestIdle time.Duration `json:"oldest_idle"`
}

// GroupLag reports how far group trails stream. A stream that was never
// written reports zero length and no group.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil || stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("group lag needs a client, stream and group")
	}
	out := LagMetrics{Lag: -1}
	n, err := client.Exists(ctx, stream).Result()
	if err != nil {
		return out, fmt.Errorf("exists %s: %w", stream, err)
	}
	if n == 0 {
		return out, nil
	}
	if out.Length, err = client.XLen(ctx, stream).Result(); err != nil {
		return out, fmt.Errorf("xlen %s: %w", stream, err)
	}
	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return out, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			out.Pending, out.Lag, out.Consumers = g.Pending, g.Lag, int64(g.Consumers)
			break
		}
	}
	if out.Pending == 0 {
		return out, nil
	}
	out.OldestIdle, err = oldestPendingIdle(ctx, client, stream, group)
	return out, err
}

func oldestPendingIdle(ctx context.Context, client *redis.Client, stream, group string) (time.Duration, error) {
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].Idle, nil
}
