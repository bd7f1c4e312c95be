// Package ratelimit implements the per-client RateLimiter (spec §4.3):
// three rolling fixed-window counters (burst/minute/hour) that must all be
// under their limit for a request to be allowed. It is grounded on the
// teacher's framework/cqrs/middleware.go RateLimitCommandMiddleware, which
// bounds concurrency with a semaphore channel; that middleware measures
// concurrent-in-flight, not throughput-over-time, so the actual counting
// strategy here follows spec §4.3's own guidance instead: fixed windows
// with atomic compare-and-swap reset, race-free by construction.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagaflow/orchestrator/internal/errs"
)

// Config carries the three window sizes and limits (spec §4.3).
type Config struct {
	BurstWindow time.Duration
	BurstLimit  int
	MinuteLimit int
	HourLimit   int
}

func DefaultConfig() Config {
	return Config{
		BurstWindow: 10 * time.Second,
		BurstLimit:  100,
		MinuteLimit: 600,
		HourLimit:   30000,
	}
}

// window is one fixed-window counter with atomic reset-on-elapse.
type window struct {
	count         atomic.Int64
	windowStartNs atomic.Int64
	size          time.Duration
	limit         int
}

func newWindow(size time.Duration, limit int, now time.Time) *window {
	w := &window{size: size, limit: limit}
	w.windowStartNs.Store(now.UnixNano())
	return w
}

// tryIncrement enforces the fixed window: if the window has elapsed it
// resets atomically via CAS before counting, then increments and checks
// the limit. Over-increments during a reset race are reconciled because
// only the winner of the CAS resets the counter; losers simply increment
// the freshly-reset counter, matching spec §4.3's "over-increments are
// reconciled" allowance.
func (w *window) tryIncrement(now time.Time) bool {
	start := w.windowStartNs.Load()
	if now.Sub(time.Unix(0, start)) >= w.size {
		if w.windowStartNs.CompareAndSwap(start, now.UnixNano()) {
			w.count.Store(0)
		}
	}
	n := w.count.Add(1)
	return int(n) <= w.limit
}

type counters struct {
	burst, minute, hour *window
}

// Limiter enforces per-client-id envelopes (spec §4.3).
type Limiter struct {
	cfg Config

	mu   sync.RWMutex
	byClient map[string]*counters

	now func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, byClient: make(map[string]*counters), now: time.Now}
}

func (l *Limiter) countersFor(clientID string) *counters {
	l.mu.RLock()
	c, ok := l.byClient[clientID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.byClient[clientID]; ok {
		return c
	}
	now := l.now()
	c = &counters{
		burst:  newWindow(l.cfg.BurstWindow, l.cfg.BurstLimit, now),
		minute: newWindow(time.Minute, l.cfg.MinuteLimit, now),
		hour:   newWindow(time.Hour, l.cfg.HourLimit, now),
	}
	l.byClient[clientID] = c
	return c
}

// Allow reports whether a request from clientID may proceed. All three
// windows are incremented; the request is allowed only if all three stay
// within their limit (spec §4.3).
func (l *Limiter) Allow(clientID string) error {
	c := l.countersFor(clientID)
	now := l.now()

	burstOK := c.burst.tryIncrement(now)
	minuteOK := c.minute.tryIncrement(now)
	hourOK := c.hour.tryIncrement(now)

	if burstOK && minuteOK && hourOK {
		return nil
	}
	return errs.New(errs.KindRateLimited, "rate limit exceeded for client "+clientID)
}
