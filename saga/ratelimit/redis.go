package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/orchestrator/internal/errs"
)

// RedisLimiter is a cross-replica RateLimiter (spec §5 "Cross-replica
// safety") backed by Redis INCR+EXPIRE fixed windows, one key per
// client/window pair. Unlike Limiter's in-process atomics, this variant
// lets every orchestrator instance in a fleet share the same burst/
// minute/hour counters, at the cost of a round trip per Allow call.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

func NewRedis(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg}
}

// Allow mirrors Limiter.Allow's semantics but coordinates state through
// Redis so every replica observes the same counters.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) error {
	windows := []struct {
		suffix string
		ttl    time.Duration
		limit  int
	}{
		{"burst", l.cfg.BurstWindow, l.cfg.BurstLimit},
		{"minute", time.Minute, l.cfg.MinuteLimit},
		{"hour", time.Hour, l.cfg.HourLimit},
	}

	allowed := true
	for _, w := range windows {
		key := fmt.Sprintf("sagaflow:ratelimit:%s:%s", w.suffix, clientID)
		count, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			return errs.Wrap(err, errs.KindStoreError, "redis rate limit incr")
		}
		if count == 1 {
			l.client.Expire(ctx, key, w.ttl)
		}
		if int(count) > w.limit {
			allowed = false
		}
	}
	if !allowed {
		return errs.New(errs.KindRateLimited, "rate limit exceeded for client "+clientID)
	}
	return nil
}
