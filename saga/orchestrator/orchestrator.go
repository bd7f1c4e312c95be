// Package orchestrator implements the Orchestrator facade (spec §4.9): the
// public operations a host program calls to create and drive sagas,
// wrapping the engine's per-advancement loop with persistence lookups,
// admin guards, and a small LRU of recently-touched sagas. It is grounded
// on the teacher's framework/saga/orchestrator.go DefaultOrchestrator,
// replacing its definition-registry/StartSaga indirection (definitions
// are a compile-time SagaDefinition type in the teacher) with the
// spec's direct Create(name, steps, input, options) call, since this
// domain builds sagas from caller-supplied step lists rather than
// pre-registered definitions.
package orchestrator

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/engine"
	"github.com/sagaflow/orchestrator/saga/ratelimit"
	"github.com/sagaflow/orchestrator/saga/store"
	"github.com/sagaflow/orchestrator/saga/workerpool"
)

// Engine is the narrow contract the facade drives; satisfied by *engine.Engine.
type Engine interface {
	Advance(ctx context.Context, s *saga.Saga) (*saga.Saga, error)
}

var _ Engine = (*engine.Engine)(nil)

// Orchestrator is the public entrypoint for saga lifecycle operations
// (spec §4.9).
type Orchestrator struct {
	Store     store.Store
	Engine    Engine
	Limiter   *ratelimit.Limiter
	Logger    *zap.Logger

	// SagaPool dispatches ExecuteAsync onto the saga-exec worker pool
	// (spec §5). Optional: nil falls back to a bare goroutine.
	SagaPool *workerpool.Pool

	cache *lru.Cache[string, *saga.Saga]
}

// New constructs an Orchestrator with a cache of cacheSize recently
// fetched/mutated sagas (spec §6 "SagaStore" boundary note on caching
// reads; sized 0 disables the cache).
func New(st store.Store, eng Engine, limiter *ratelimit.Limiter, logger *zap.Logger, cacheSize int) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{Store: st, Engine: eng, Limiter: limiter, Logger: logger}
	if cacheSize > 0 {
		c, err := lru.New[string, *saga.Saga](cacheSize)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindValidation, "construct saga cache")
		}
		o.cache = c
	}
	return o, nil
}

func (o *Orchestrator) rememberInCache(s *saga.Saga) {
	if o.cache != nil {
		o.cache.Add(s.ID, s)
	}
}

// Create validates steps, persists the saga in CREATED, and optionally
// starts it (spec §4.9 "Create").
func (o *Orchestrator) Create(ctx context.Context, name string, steps []*saga.Step, input saga.Data, opts saga.Options, autoStart bool) (*saga.Saga, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	s := saga.New(name, steps, input, opts)
	stored, err := o.Store.Save(ctx, s)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "save new saga")
	}
	o.rememberInCache(stored)

	if autoStart {
		return o.Execute(ctx, stored.ID)
	}
	return stored, nil
}

func validateSteps(steps []*saga.Step) error {
	if len(steps) == 0 {
		return errs.New(errs.KindValidation, "saga must have at least one step")
	}
	for _, st := range steps {
		if st.Name == "" {
			return errs.New(errs.KindValidation, "step name is required")
		}
	}
	return nil
}

// Execute synchronously drives the engine for one saga (spec §4.9
// "Execute" — idempotent if already terminal).
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (*saga.Saga, error) {
	s, err := o.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return s, nil
	}
	if o.Limiter != nil {
		clientID := s.CorrelationID
		if clientID == "" {
			clientID = sagaID
		}
		if err := o.Limiter.Allow(clientID); err != nil {
			return s, err
		}
	}
	result, err := o.Engine.Advance(ctx, s)
	if result != nil {
		o.rememberInCache(result)
	}
	return result, err
}

// ExecuteAsync enqueues sagaID onto the saga-exec pool and returns
// immediately (spec §4.9 "ExecuteAsync"). Without a configured SagaPool it
// falls back to a bare goroutine.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, sagaID string) error {
	run := func(ctx context.Context) {
		if _, err := o.Execute(ctx, sagaID); err != nil {
			o.Logger.Error("async saga execution failed", zap.String("saga_id", sagaID), zap.Error(err))
		}
	}
	if o.SagaPool != nil {
		o.SagaPool.Submit(context.Background(), run)
		return nil
	}
	go run(context.Background())
	return nil
}

// Retry resets retry counters and re-enters RUNNING for a FAILED saga
// (spec §4.9 "Retry" admin op).
func (o *Orchestrator) Retry(ctx context.Context, sagaID string) (*saga.Saga, error) {
	s, err := o.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if s.Status != saga.StatusFailed {
		return nil, errs.New(errs.KindValidation, "saga must be FAILED to retry")
	}
	if s.RetryCount >= s.MaxRetries {
		return nil, errs.New(errs.KindValidation, "saga has exhausted its retry budget")
	}
	s.RetryCount = 0
	s.ErrorMessage = ""
	s.ErrorTrace = ""
	s.Status = saga.StatusRunning
	stored, err := o.Store.Save(ctx, s)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "save retried saga")
	}
	o.rememberInCache(stored)
	return o.Engine.Advance(ctx, stored)
}

// Compensate administratively forces a FAILED or RUNNING saga into
// COMPENSATING and drives the engine (spec §4.9 "Compensate" admin op).
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) (*saga.Saga, error) {
	s, err := o.load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if s.Status != saga.StatusFailed && s.Status != saga.StatusRunning {
		return nil, errs.New(errs.KindValidation, "saga must be FAILED or RUNNING to compensate")
	}
	s.Status = saga.StatusCompensating
	stored, err := o.Store.Save(ctx, s)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "save compensating saga")
	}
	o.rememberInCache(stored)
	return o.Engine.Advance(ctx, stored)
}

// Get fetches a saga by id, consulting the cache first.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*saga.Saga, error) {
	return o.load(ctx, sagaID)
}

func (o *Orchestrator) load(ctx context.Context, sagaID string) (*saga.Saga, error) {
	if o.cache != nil {
		if s, ok := o.cache.Get(sagaID); ok {
			return s, nil
		}
	}
	s, err := o.Store.Find(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	o.rememberInCache(s)
	return s, nil
}

// ListByStatus returns a page of sagas in the given status (spec §4.9).
func (o *Orchestrator) ListByStatus(ctx context.Context, status saga.Status, page saga.Page) (saga.PageResult, error) {
	return o.Store.FindByStatus(ctx, status, page)
}

// ListByCorrelation returns every saga sharing a correlation id (spec §4.9).
func (o *Orchestrator) ListByCorrelation(ctx context.Context, correlationID string) ([]*saga.Saga, error) {
	return o.Store.FindByCorrelation(ctx, correlationID)
}
