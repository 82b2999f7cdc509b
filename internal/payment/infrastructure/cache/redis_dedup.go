// Package cache contains the advisory webhook deduplication layer.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventDeduper remembers committed webhook deliveries. It is advisory:
// the durable registry stays the authority, so a flushed cache only costs a
// redundant registry lookup.
type RedisEventDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventDeduper creates a new Redis-backed deduper.
func NewRedisEventDeduper(client *redis.Client, ttl time.Duration) *RedisEventDeduper {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventDeduper{client: client, ttl: ttl}
}

// Seen reports whether a prior delivery of the event committed within the TTL.
func (d *RedisEventDeduper) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	err := d.client.Get(ctx, dedupKey(provider, eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mark records the event once its transaction committed.
func (d *RedisEventDeduper) Mark(ctx context.Context, provider, eventID string) error {
	return d.client.Set(ctx, dedupKey(provider, eventID), 1, d.ttl).Err()
}

func dedupKey(provider, eventID string) string {
	return "webhook:seen:" + provider + ":" + eventID
}
