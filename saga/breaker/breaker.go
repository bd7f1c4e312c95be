// Package breaker implements the per-service CircuitBreaker (spec §4.2).
// It is grounded on the teacher's framework/cqrs/middleware.go
// CircuitBreakerCommandMiddleware — a mutex-guarded failure counter with a
// cooldown timeout — generalized here from a two-state (closed-ish/open)
// middleware closure into the spec's explicit three-state CLOSED / OPEN /
// HALF_OPEN machine driven by atomic compare-and-set, one instance per
// service identity.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagaflow/orchestrator/internal/errs"
)

// State is one of the three circuit states (spec §4.2).
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config carries the thresholds and cooldown (spec §4.2 "Defaults").
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, Cooldown: 30 * time.Second}
}

// circuit is the per-service state.
type circuit struct {
	state          atomic.Int32
	failureCount   atomic.Int64
	successCount   atomic.Int64
	lastFailureUnixNano atomic.Int64
}

// Breaker holds one circuit per service identity (spec §4.2 "One state per
// external service identity").
type Breaker struct {
	cfg Config

	mu       sync.RWMutex
	circuits map[string]*circuit

	now func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit), now: time.Now}
}

func (b *Breaker) circuitFor(service string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[service]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[service]; ok {
		return c
	}
	c = &circuit{}
	b.circuits[service] = c
	return c
}

// Allow reports whether a call to service may proceed, transitioning
// OPEN -> HALF_OPEN when the cooldown has elapsed (spec §4.2).
func (b *Breaker) Allow(service string) error {
	c := b.circuitFor(service)
	state := State(c.state.Load())

	switch state {
	case Closed:
		return nil
	case HalfOpen:
		return nil
	case Open:
		lastFailure := time.Unix(0, c.lastFailureUnixNano.Load())
		if b.now().Sub(lastFailure) >= b.cfg.Cooldown {
			if c.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
				c.successCount.Store(0)
			}
			return nil
		}
		return errs.New(errs.KindCircuitOpen, "circuit open for service "+service)
	default:
		return nil
	}
}

// RecordSuccess reports a successful call, per the transitions in spec §4.2.
func (b *Breaker) RecordSuccess(service string) {
	c := b.circuitFor(service)
	switch State(c.state.Load()) {
	case Closed:
		c.failureCount.Store(0)
	case HalfOpen:
		n := c.successCount.Add(1)
		if int(n) >= b.cfg.SuccessThreshold {
			if c.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
				c.failureCount.Store(0)
				c.successCount.Store(0)
			}
		}
	}
}

// RecordFailure reports a failed call, per the transitions in spec §4.2.
func (b *Breaker) RecordFailure(service string) {
	c := b.circuitFor(service)
	c.lastFailureUnixNano.Store(b.now().UnixNano())

	switch State(c.state.Load()) {
	case Closed:
		n := c.failureCount.Add(1)
		if int(n) >= b.cfg.FailureThreshold {
			c.state.CompareAndSwap(int32(Closed), int32(Open))
		}
	case HalfOpen:
		if c.state.CompareAndSwap(int32(HalfOpen), int32(Open)) {
			c.successCount.Store(0)
		}
	case Open:
		// already open; just refreshed lastFailure above
	}
}

// State returns the current state for a service (defaults to Closed for an
// unseen service).
func (b *Breaker) State(service string) State {
	return State(b.circuitFor(service).state.Load())
}

// Reset forces a service's circuit CLOSED and zeroes its counters
// (spec §4.2 "Administrative Reset").
func (b *Breaker) Reset(service string) {
	c := b.circuitFor(service)
	c.state.Store(int32(Closed))
	c.failureCount.Store(0)
	c.successCount.Store(0)
}
