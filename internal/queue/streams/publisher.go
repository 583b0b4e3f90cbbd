package streams

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher appends schema-checked envelopes to Redis Streams. Every XADD
// trims the stream to roughly maxLen entries when maxLen is positive.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
	maxLen   int64
}

// NewPublisher creates a Publisher. registry may be nil to skip payload
// validation.
func NewPublisher(client *redis.Client, registry *SchemaRegistry, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, maxLen: maxLen}
}

// Publish appends env to stream and returns the entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("publish %s: no stream", env.EventType)
	}
	if err := env.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{Stream: stream, Values: map[string]any{"envelope": raw}}
	if p.maxLen > 0 {
		args.MaxLen, args.Approx = p.maxLen, true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	recordPublished(ctx, stream, env.EventType)
	return id, nil
}

// PublishEvent wraps payload in a fresh v1 envelope and publishes it.
func (p *Publisher) PublishEvent(ctx context.Context, stream, eventType string, payload any) (string, error) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env)
}
