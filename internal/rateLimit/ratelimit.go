package rateLimit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/ticket-resale-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	redis  *redisadapter.Cache
	rate   int
	period time.Duration
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, rate int, period time.Duration, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, rate: rate, period: period, logger: logger}
}

// Allow fails open when Redis is unreachable; the store still enforces every
// money invariant on its own.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, rl.period)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.WithError(errors.Wrap(err, "rate limit pipeline")).Warn("rate limiter unavailable")
		return true
	}
	if incr.Val() > int64(rl.rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}
