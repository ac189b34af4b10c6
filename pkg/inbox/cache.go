package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KV is the slice of the redis client the cache needs.
type KV interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	InboxKey(scope, eventID string) string
}

// Cache is a fast path in front of the inbox table. It is only a hint: a miss
// or an error always falls through to the database claim.
type Cache interface {
	Seen(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Mark(ctx context.Context, consumer string, eventID uuid.UUID) error
}

// RedisCache keeps processed ids under `pb:inbox:evt:<consumer>:<event_id>`
// for ttl.
type RedisCache struct {
	kv  KV
	ttl time.Duration
}

func NewRedisCache(kv KV, ttl time.Duration) (*RedisCache, error) {
	if kv == nil {
		return nil, errors.New("redis store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &RedisCache{kv: kv, ttl: ttl}, nil
}

func (c *RedisCache) Seen(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := c.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	return c.kv.Exists(ctx, key)
}

func (c *RedisCache) Mark(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := c.key(consumer, eventID)
	if err != nil {
		return err
	}
	_, err = c.kv.SetNX(ctx, key, "1", c.ttl)
	return err
}

func (c *RedisCache) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return c.kv.InboxKey(fmt.Sprintf("evt:%s", consumer), eventID.String()), nil
}

// NopCache is used when redis is disabled.
type NopCache struct{}

func (NopCache) Seen(context.Context, string, uuid.UUID) (bool, error) { return false, nil }
func (NopCache) Mark(context.Context, string, uuid.UUID) error { return nil }
