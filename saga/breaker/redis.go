package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/orchestrator/internal/errs"
)

// RedisBreaker is a cross-replica CircuitBreaker (spec §5 "Cross-replica
// safety") sharing state via Redis hashes instead of Breaker's in-process
// atomics, so a service tripped by one orchestrator instance is seen as
// OPEN by every other instance sharing the same Redis.
type RedisBreaker struct {
	client *redis.Client
	cfg    Config
}

func NewRedis(client *redis.Client, cfg Config) *RedisBreaker {
	return &RedisBreaker{client: client, cfg: cfg}
}

func (b *RedisBreaker) key(service string) string {
	return fmt.Sprintf("sagaflow:breaker:%s", service)
}

// Allow mirrors Breaker.Allow, storing state, failure_count, success_count
// and last_failure_unix as hash fields. The check is a client-side HMGET
// followed by a separate conditional HSET, without WATCH or a script, so
// it is not atomic across replicas.
func (b *RedisBreaker) Allow(ctx context.Context, service string) error {
	key := b.key(service)
	vals, err := b.client.HMGet(ctx, key, "state", "last_failure_unix").Result()
	if err != nil {
		return errs.Wrap(err, errs.KindStoreError, "redis breaker read")
	}
	state := stateOf(vals[0])
	if state != Open {
		return nil
	}

	lastFailureUnix, _ := toInt64(vals[1])
	if time.Now().Unix()-lastFailureUnix >= int64(b.cfg.Cooldown.Seconds()) {
		b.client.HSet(ctx, key, "state", int(HalfOpen), "success_count", 0)
		return nil
	}
	return errs.New(errs.KindCircuitOpen, "circuit open for service "+service)
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context, service string) {
	key := b.key(service)
	state, _ := b.client.HGet(ctx, key, "state").Result()
	switch stateOf(state) {
	case Closed:
		b.client.HSet(ctx, key, "failure_count", 0)
	case HalfOpen:
		n, _ := b.client.HIncrBy(ctx, key, "success_count", 1).Result()
		if int(n) >= b.cfg.SuccessThreshold {
			b.client.HSet(ctx, key, "state", int(Closed), "failure_count", 0, "success_count", 0)
		}
	}
}

func (b *RedisBreaker) RecordFailure(ctx context.Context, service string) {
	key := b.key(service)
	b.client.HSet(ctx, key, "last_failure_unix", time.Now().Unix())
	state, _ := b.client.HGet(ctx, key, "state").Result()
	switch stateOf(state) {
	case Closed:
		n, _ := b.client.HIncrBy(ctx, key, "failure_count", 1).Result()
		if int(n) >= b.cfg.FailureThreshold {
			b.client.HSet(ctx, key, "state", int(Open))
		}
	case HalfOpen:
		b.client.HSet(ctx, key, "state", int(Open), "success_count", 0)
	}
}

func stateOf(v interface{}) State {
	s, ok := toInt64(v)
	if !ok {
		return Closed
	}
	return State(s)
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return t, true
	default:
		return 0, false
	}
}
