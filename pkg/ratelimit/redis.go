package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const bucketKeyPrefix = "opx:ratelimit:"

// Redis is a fixed-window limiter over a shared redis instance, for
// deployments running more than one core process. The window counter is
// created with INCR and expired with the window length, so buckets clean
// themselves up.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedis builds a limiter admitting limit requests per window for each key.
func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: int64(limit), window: window}
}

// Allow consumes one slot in the key's current window.
func (r *Redis) Allow(ctx context.Context, key Key) (Decision, error) {
	bucket := bucketKeyPrefix + key.String()

	pipe := r.client.TxPipeline()
	count := pipe.Incr(ctx, bucket)
	pipe.ExpireNX(ctx, bucket, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if count.Val() <= r.limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := r.client.PTTL(ctx, bucket).Result()
	if err != nil || ttl < 0 {
		ttl = r.window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}
