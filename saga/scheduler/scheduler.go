// Package scheduler implements the Scheduler's named periodic jobs (spec
// §4.10): timeout sweep, retry sweep, retention cleanup, metrics push.
// It is grounded on the teacher's own ticker-per-job idiom
// (framework/events/publisher.go's BatchEventPublisher.flushLoop and
// framework/invoke/event_awaiter.go's polling ticker) — one time.Ticker
// per job, each on its own goroutine, all stopped through one shared stop
// channel — rather than a
// cron-expression library: the pack's one indirect cron reference
// (robfig/cron in yungbote-neurobridge-backend) is never actually called
// by any example, and the jobs here are fixed intervals, not calendar
// schedules, so a ticker is the idiom the corpus actually demonstrates.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/eventbus"
	"github.com/sagaflow/orchestrator/saga/metrics"
	"github.com/sagaflow/orchestrator/saga/store"
)

// Engine is the narrow contract the scheduler drives sagas through.
type Engine interface {
	Advance(ctx context.Context, s *saga.Saga) (*saga.Saga, error)
}

// Config carries the four job intervals and the retention window (spec
// §4.10 "intervals are configurable; defaults shown").
type Config struct {
	TimeoutSweepInterval time.Duration
	RetrySweepInterval   time.Duration
	RetrySweepEnabled    bool
	RetentionInterval    time.Duration
	RetentionWindow      time.Duration
	MetricsPushInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		TimeoutSweepInterval: 10 * time.Second,
		RetrySweepInterval:   60 * time.Second,
		RetrySweepEnabled:    false,
		RetentionInterval:    time.Hour,
		RetentionWindow:      7 * 24 * time.Hour,
		MetricsPushInterval:  5 * time.Second,
	}
}

// Scheduler owns the four background jobs.
type Scheduler struct {
	cfg     Config
	store   store.Store
	engine  Engine
	events  eventbus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, st store.Store, eng Engine, events eventbus.Bus, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, store: st, engine: eng, events: events, metrics: m, logger: logger, stopCh: make(chan struct{})}
}

// Start launches each configured job on its own goroutine.
func (s *Scheduler) Start() {
	s.runJob("timeout-sweep", s.cfg.TimeoutSweepInterval, s.sweepTimeouts)
	if s.cfg.RetrySweepEnabled {
		s.runJob("retry-sweep", s.cfg.RetrySweepInterval, s.sweepRetryable)
	}
	s.runJob("retention-cleanup", s.cfg.RetentionInterval, s.cleanupRetention)
	if s.metrics != nil {
		s.runJob("metrics-push", s.cfg.MetricsPushInterval, s.pushMetrics)
	}
}

func (s *Scheduler) runJob(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				fn(ctx)
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
	_ = name
}

// sweepTimeouts implements spec §4.10 "Every 10s: FindTimedOut and
// transition each to TIMEOUT (+ trigger compensation)". Advance already
// implements the timeout-then-compensate transition (spec §4.8 step 3),
// so the sweep only needs to load and re-drive each overdue saga.
func (s *Scheduler) sweepTimeouts(ctx context.Context) {
	overdue, err := s.store.FindTimedOut(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("timeout sweep: find failed", zap.Error(err))
		return
	}
	for _, sg := range overdue {
		if _, err := s.engine.Advance(ctx, sg); err != nil {
			s.logger.Error("timeout sweep: advance failed", zap.String("saga_id", sg.ID), zap.Error(err))
		}
	}
}

// sweepRetryable implements spec §4.10's optional auto-retry sweep,
// disabled by default.
func (s *Scheduler) sweepRetryable(ctx context.Context) {
	retryable, err := s.store.FindRetryable(ctx)
	if err != nil {
		s.logger.Error("retry sweep: find failed", zap.Error(err))
		return
	}
	for _, sg := range retryable {
		sg.RetryCount = 0
		sg.Status = saga.StatusRunning
		if _, err := s.engine.Advance(ctx, sg); err != nil {
			s.logger.Error("retry sweep: advance failed", zap.String("saga_id", sg.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) cleanupRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.RetentionWindow)
	n, err := s.store.BulkDeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("retention cleanup removed sagas", zap.Int("count", n))
	}
}

func (s *Scheduler) pushMetrics(ctx context.Context) {
	snap := s.metrics.Snapshot()
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, eventbus.Event{
		Type: eventbus.MetricsSnapshot,
		Data: map[string]interface{}{
			"sagas_total":            snap.SagasTotal,
			"sagas_successful":       snap.SagasSuccessful,
			"sagas_failed":           snap.SagasFailed,
			"saga_success_rate_pct":  snap.SagaSuccessRatePct,
			"steps_total":            snap.StepsTotal,
			"step_success_rate_pct":  snap.StepSuccessRatePct,
			"rate_limit_exceeded":    snap.RateLimitExceeded,
		},
	})
}

// Stop signals every job goroutine to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
