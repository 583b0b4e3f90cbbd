package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "dm:dedup:"

// RedisCache keeps one Redis set of item identifiers per flow step.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache builds a cache. A zero ttl keeps sets until cleared.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(flowStepID string) string { return cacheKeyPrefix + flowStepID }

func (c *RedisCache) Contains(ctx context.Context, flowStepID, itemID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, cacheKey(flowStepID), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("sismember: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Add(ctx context.Context, flowStepID, itemID string) error {
	key := cacheKey(flowStepID)
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, itemID)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sadd: %w", err)
	}
	return nil
}

func (c *RedisCache) Remove(ctx context.Context, flowStepID, itemID string) error {
	if err := c.client.SRem(ctx, cacheKey(flowStepID), itemID).Err(); err != nil {
		return fmt.Errorf("srem: %w", err)
	}
	return nil
}

func (c *RedisCache) Drop(ctx context.Context, flowStepIDs ...string) error {
	if len(flowStepIDs) == 0 {
		return nil
	}
	keys := make([]string, len(flowStepIDs))
	for i, id := range flowStepIDs {
		keys[i] = cacheKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
