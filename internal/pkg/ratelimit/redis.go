package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter stores the sliding log in a sorted set per key so that several
// processes share one budget. Scores are admission times in milliseconds.
type RedisLimiter struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisLimiter creates a Redis-backed sliding-log limiter.
func NewRedisLimiter(client redis.UniversalClient, opts ...Option) *RedisLimiter {
	return &RedisLimiter{client: client, opts: buildOptions(opts)}
}

// Allow trims entries that left the window, then admits the request if the
// remaining count is under the limit. Concurrent callers on the same key may
// briefly overshoot by the number of in-flight requests.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.opts.now()
	cutoff := now.Add(-l.opts.window)
	redisKey := l.opts.prefix + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff.UnixMilli(), 10))
	card := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("error reading rate limit window: %w", err)
	}

	count := int(card.Val())
	if count >= l.opts.limit {
		retryAfter := l.opts.window
		oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestAt := time.UnixMilli(int64(oldest[0].Score))
			retryAfter = oldestAt.Add(l.opts.window).Sub(now)
		}
		return Decision{
			Allowed:    false,
			Limit:      l.opts.limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.PExpire(ctx, redisKey, l.opts.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("error recording rate limit hit: %w", err)
	}

	return Decision{
		Allowed:   true,
		Limit:     l.opts.limit,
		Remaining: l.opts.limit - count - 1,
	}, nil
}
