// Package metrics implements the domain Metrics component (spec §4.4):
// lock-free counters and a lossy EMA for step execution time, distinct
// from the ambient OpenTelemetry export in the observability package. It
// is grounded on the same atomic-counter shape the teacher's
// framework/metrics/metrics.go uses for its OTel instruments, but
// implemented directly on sync/atomic per spec §4.4's "lock-free counters"
// requirement rather than delegating to an OTel meter (that delegation is
// what the observability package is for).
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/sagaflow/orchestrator/saga"
)

// Metrics is a process-wide, lock-free counter set.
type Metrics struct {
	sagasTotal       atomic.Int64
	sagasSuccessful  atomic.Int64
	sagasFailed      atomic.Int64
	sagasCompensated atomic.Int64
	sagasTimedOut    atomic.Int64

	stepsTotal      atomic.Int64
	stepsSuccessful atomic.Int64
	stepsFailed     atomic.Int64
	stepsRetried    atomic.Int64

	rateLimitExceeded atomic.Int64

	mu          sync.RWMutex
	byStepType  map[saga.StepType]*stepTypeStats
	byService   map[string]*breakerStats
}

type stepTypeStats struct {
	count    atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	avgMs   float64
}

type breakerStats struct {
	trips  atomic.Int64
	resets atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		byStepType: make(map[saga.StepType]*stepTypeStats),
		byService:  make(map[string]*breakerStats),
	}
}

func (m *Metrics) stepTypeStats(t saga.StepType) *stepTypeStats {
	m.mu.RLock()
	s, ok := m.byStepType[t]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byStepType[t]; ok {
		return s
	}
	s = &stepTypeStats{}
	m.byStepType[t] = s
	return s
}

func (m *Metrics) breakerStats(service string) *breakerStats {
	m.mu.RLock()
	s, ok := m.byService[service]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byService[service]; ok {
		return s
	}
	s = &breakerStats{}
	m.byService[service] = s
	return s
}

// RecordSagaStarted increments the total-sagas counter.
func (m *Metrics) RecordSagaStarted() { m.sagasTotal.Add(1) }

// RecordSagaCompleted increments the successful-sagas counter.
func (m *Metrics) RecordSagaCompleted() { m.sagasSuccessful.Add(1) }

// RecordSagaFailed increments the failed-sagas counter.
func (m *Metrics) RecordSagaFailed() { m.sagasFailed.Add(1) }

// RecordSagaCompensated increments the compensated-sagas counter.
func (m *Metrics) RecordSagaCompensated() { m.sagasCompensated.Add(1) }

// RecordSagaTimedOut increments the timed-out-sagas counter.
func (m *Metrics) RecordSagaTimedOut() { m.sagasTimedOut.Add(1) }

// RecordStepRetried increments the retried-steps counter.
func (m *Metrics) RecordStepRetried() { m.stepsRetried.Add(1) }

// RecordRateLimitExceeded increments the rate-limit-exceeded counter.
func (m *Metrics) RecordRateLimitExceeded() { m.rateLimitExceeded.Add(1) }

// RecordBreakerTrip increments the trip count for a service.
func (m *Metrics) RecordBreakerTrip(service string) { m.breakerStats(service).trips.Add(1) }

// RecordBreakerReset increments the reset count for a service.
func (m *Metrics) RecordBreakerReset(service string) { m.breakerStats(service).resets.Add(1) }

// RecordStepExecution records one step attempt: total/failure counts and
// the lossy EMA of execution time in milliseconds, using exactly the
// formula spec §4.4 documents: avg <- (avg + observed) / 2.
func (m *Metrics) RecordStepExecution(stepType saga.StepType, success bool, durationMs int64) {
	m.stepsTotal.Add(1)
	if success {
		m.stepsSuccessful.Add(1)
	} else {
		m.stepsFailed.Add(1)
	}

	st := m.stepTypeStats(stepType)
	st.count.Add(1)
	if !success {
		st.failures.Add(1)
	}
	st.mu.Lock()
	if st.avgMs == 0 {
		st.avgMs = float64(durationMs)
	} else {
		st.avgMs = (st.avgMs + float64(durationMs)) / 2
	}
	st.mu.Unlock()
}

// StepTypeSnapshot is one row of the by-step-type breakdown.
type StepTypeSnapshot struct {
	Type          saga.StepType
	Count         int64
	Failures      int64
	AvgDurationMs float64
}

// BreakerSnapshot is one row of the by-service breaker breakdown.
type BreakerSnapshot struct {
	Service string
	Trips   int64
	Resets  int64
}

// Snapshot is a point-in-time copy with derived success rates (spec §4.4).
type Snapshot struct {
	SagasTotal, SagasSuccessful, SagasFailed, SagasCompensated, SagasTimedOut int64
	SagaSuccessRatePct float64

	StepsTotal, StepsSuccessful, StepsFailed, StepsRetried int64
	StepSuccessRatePct float64

	RateLimitExceeded int64

	ByStepType []StepTypeSnapshot
	ByService  []BreakerSnapshot
}

func successRate(successful, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(successful) / float64(total) * 100
}

// Snapshot returns a point-in-time copy of all counters (spec §4.4).
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		SagasTotal:        m.sagasTotal.Load(),
		SagasSuccessful:   m.sagasSuccessful.Load(),
		SagasFailed:       m.sagasFailed.Load(),
		SagasCompensated:  m.sagasCompensated.Load(),
		SagasTimedOut:     m.sagasTimedOut.Load(),
		StepsTotal:        m.stepsTotal.Load(),
		StepsSuccessful:   m.stepsSuccessful.Load(),
		StepsFailed:       m.stepsFailed.Load(),
		StepsRetried:      m.stepsRetried.Load(),
		RateLimitExceeded: m.rateLimitExceeded.Load(),
	}
	s.SagaSuccessRatePct = successRate(s.SagasSuccessful, s.SagasTotal)
	s.StepSuccessRatePct = successRate(s.StepsSuccessful, s.StepsTotal)

	for t, st := range m.byStepType {
		st.mu.Lock()
		avg := st.avgMs
		st.mu.Unlock()
		s.ByStepType = append(s.ByStepType, StepTypeSnapshot{
			Type:          t,
			Count:         st.count.Load(),
			Failures:      st.failures.Load(),
			AvgDurationMs: avg,
		})
	}
	for svc, bs := range m.byService {
		s.ByService = append(s.ByService, BreakerSnapshot{
			Service: svc,
			Trips:   bs.trips.Load(),
			Resets:  bs.resets.Load(),
		})
	}
	return s
}
