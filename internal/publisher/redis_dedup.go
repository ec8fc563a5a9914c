package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "order-processed:"

// RedisDeduplicator records published order ids under a TTL so that a
// redelivered placement does not emit a second OrderProcessedEvent.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Deduplicator = (*RedisDeduplicator)(nil)

func NewRedisDeduplicator(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) Published(ctx context.Context, orderID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKeyPrefix+orderID).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS for order %s: %w", orderID, err)
	}
	return n > 0, nil
}

func (d *RedisDeduplicator) MarkPublished(ctx context.Context, orderID string) error {
	err := d.client.Set(ctx, dedupKeyPrefix+orderID, time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis SET for order %s: %w", orderID, err)
	}
	return nil
}
