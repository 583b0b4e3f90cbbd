package enginedata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each job's engine data in a Redis hash so workers on
// different hosts share it. Values are JSON encoded per field.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore builds a RedisStore. Hashes expire after ttl so abandoned
// jobs do not leak keys.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "dm:engine:"}
}

func (s *RedisStore) key(jobID string) string { return s.prefix + jobID }

func (s *RedisStore) Get(ctx context.Context, jobID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	rec := make(Record, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode engine data %s: %w", k, err)
		}
		rec[k] = v
	}
	return rec, nil
}

func (s *RedisStore) Merge(ctx context.Context, jobID string, values Record) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode engine data %s: %w", k, err)
		}
		fields[k] = string(raw)
	}
	key := s.key(jobID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
