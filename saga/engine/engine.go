// Package engine implements the ExecutionEngine (spec §4.8): the core
// saga-level and per-step state machines, advanced one step at a time by
// runStepOnce, and driven to completion by Advance. It is grounded on the
// teacher's framework/saga/orchestrator.go DefaultOrchestrator.Execute
// loop, but replaces that loop's FSM-definition dispatch (a generic
// framework/fsm.StateMachine keyed by string states/events) with a direct
// switch over the fixed saga.Status/saga.StepStatus constants — the
// spec's state machine is closed and universal, not per-definition, so
// re-deriving it through a dynamic string-keyed FSM buys nothing and
// obscures the wall-clock/retry-budget guards that drive most
// transitions. Forward-step retries use sethvargo/go-retry, kept
// deliberately distinct from the compensation package's
// cenkalti/backoff/v5 policy.
package engine

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/compensation"
	"github.com/sagaflow/orchestrator/saga/eventbus"
	"github.com/sagaflow/orchestrator/saga/executor"
	"github.com/sagaflow/orchestrator/saga/metrics"
	"github.com/sagaflow/orchestrator/saga/store"
	"github.com/sagaflow/orchestrator/saga/workerpool"
)

// Registry is the narrow dispatch contract the engine needs from
// registry.Registry.
type Registry interface {
	Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result
}

// Engine drives a single saga's state machine one advancement at a time.
type Engine struct {
	Store         store.Store
	Registry      Registry
	Compensation  *compensation.Driver
	Events        eventbus.Bus
	Metrics       *metrics.Metrics
	Logger        *zap.Logger

	// StepPool bounds total concurrent step-adapter invocations across all
	// sagas independent of how many sagas are being driven at once (spec
	// §5 "step-exec" pool). Optional: nil runs the executor inline.
	StepPool *workerpool.Pool

	// CompPool bounds total concurrent compensation-driver runs (spec §5
	// "compensation" pool). Optional: nil runs compensation inline.
	CompPool *workerpool.Pool

	now func() time.Time
}

func New(st store.Store, reg Registry, comp *compensation.Driver, events eventbus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Store: st, Registry: reg, Compensation: comp, Events: events, Metrics: m, Logger: logger, now: time.Now}
}

func (e *Engine) publish(ctx context.Context, t eventbus.Type, s *saga.Saga, stepID string, data map[string]interface{}) {
	if e.Events == nil {
		return
	}
	_ = e.Events.Publish(ctx, eventbus.Event{
		Type:          t,
		SagaID:        s.ID,
		StepID:        stepID,
		CorrelationID: s.CorrelationID,
		Data:          data,
	})
}

func (e *Engine) save(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
	s.Touch(e.now())
	stored, err := e.Store.Save(ctx, s)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindStoreError, "save saga "+s.ID)
	}
	s.Version = stored.Version
	return stored, nil
}

// Advance runs the saga's state machine until the saga is terminal or an
// error (a failed save, a cancelled context) stops it, per the advancement
// algorithm in spec §4.8; retry backoff sleeps happen inside the loop. It
// returns the final in-memory saga state.
func (e *Engine) Advance(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
	if s.Status == saga.StatusCreated {
		s.Status = saga.StatusRunning
		s.StartedAt = e.now()
		if _, err := e.save(ctx, s); err != nil {
			return s, err
		}
		e.publish(ctx, eventbus.SagaStarted, s, "", nil)
		if e.Metrics != nil {
			e.Metrics.RecordSagaStarted()
		}
	}

	for {
		if s.Status.IsTerminal() {
			return s, nil
		}

		// A saga can enter Advance already COMPENSATING (an admin-triggered
		// Orchestrator.Compensate call on a FAILED/RUNNING saga) rather than
		// via the internal forward-failure/timeout paths, which invoke
		// runCompensation directly. Route it the same way instead of falling
		// through to CurrentStep and re-running the step forward.
		if s.Status == saga.StatusCompensating {
			return s, e.runCompensation(ctx, s)
		}

		// Step (2): no more steps -> COMPLETED.
		step := s.CurrentStep()
		if step == nil {
			return e.completeSaga(ctx, s)
		}

		// Step (3): saga wall-clock timeout, even mid-step.
		if s.DeadlineExceeded(e.now()) {
			return e.timeoutSaga(ctx, s, step)
		}

		result, err := e.runStepOnce(ctx, s, step)
		if err != nil {
			return s, err
		}

		if result.Success {
			if err := e.onStepSuccess(ctx, s, step, result); err != nil {
				return s, err
			}
			continue
		}

		done, err := e.onStepFailure(ctx, s, step, result)
		if err != nil {
			return s, err
		}
		if done {
			return s, nil
		}
		// Either the step is now RETRYING and the backoff sleep already
		// happened inside onStepFailure (same index), or a non-required
		// step failed and the index moved past it; loop back to (2).
	}
}

// runStepOnce marks the step RUNNING, persists, and invokes the registry
// within the step's timeout (spec §4.8 steps 4-5).
func (e *Engine) runStepOnce(ctx context.Context, s *saga.Saga, step *saga.Step) (executor.Result, error) {
	step.Status = saga.StepStatusRunning
	step.StartedAt = e.now()
	if _, err := e.save(ctx, s); err != nil {
		return executor.Result{}, err
	}
	e.publish(ctx, eventbus.StepStarted, s, step.ID, nil)

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutMs > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var result executor.Result
	if e.StepPool != nil {
		// The pool hands queued tasks a background context, so the task
		// uses stepCtx directly to keep the step's deadline.
		e.StepPool.RunSync(stepCtx, func(context.Context) {
			result = e.Registry.Execute(stepCtx, step, s.InputData)
		})
	} else {
		result = e.Registry.Execute(stepCtx, step, s.InputData)
	}
	if !result.Success && stepCtx.Err() == context.DeadlineExceeded {
		result.ErrorMessage = "step timed out"
	}
	return result, nil
}

// onStepSuccess implements spec §4.8 step 6.
func (e *Engine) onStepSuccess(ctx context.Context, s *saga.Saga, step *saga.Step, result executor.Result) error {
	now := e.now()
	s.OutputData = s.OutputData.Merge(result.Output)
	step.OutputData = result.Output
	step.Status = saga.StepStatusCompleted
	step.CompletedAt = now
	step.DurationMs = result.DurationMs
	step.Attempts = append(step.Attempts, saga.StepAttempt{
		Number: step.RetryCount + 1, StartedAt: step.StartedAt, EndedAt: now, Success: true,
	})

	s.CurrentStepIndex++
	s.RetryCount = 0

	if _, err := e.save(ctx, s); err != nil {
		return err
	}
	e.publish(ctx, eventbus.StepCompleted, s, step.ID, map[string]interface{}{"duration_ms": step.DurationMs})
	if e.Metrics != nil {
		e.Metrics.RecordStepExecution(step.Type, true, step.DurationMs)
	}
	return nil
}

// onStepFailure implements spec §4.8 step 7. It returns done=true when the
// saga reached a terminal or suspension state that the caller should stop
// looping on (retries continue the loop with done=false).
func (e *Engine) onStepFailure(ctx context.Context, s *saga.Saga, step *saga.Step, result executor.Result) (bool, error) {
	now := e.now()
	step.ErrorMessage = result.ErrorMessage
	step.ErrorTrace = result.ErrorTrace
	step.CompletedAt = now
	step.DurationMs = result.DurationMs
	step.Attempts = append(step.Attempts, saga.StepAttempt{
		Number: step.RetryCount + 1, StartedAt: step.StartedAt, EndedAt: now, Success: false, Error: result.ErrorMessage,
	})

	// STEP_TERMINAL and UNSUPPORTED_STEP_TYPE are never retryable (spec
	// §4.6/§7): a bad config or an unregistered step type will not become
	// valid by trying again, so skip straight to the required/non-required
	// terminal handling below instead of burning the retry budget.
	nonRetryable := result.Kind == errs.KindStepTerminal || result.Kind == errs.KindUnsupportedStepType

	if !nonRetryable && step.RetryCount < step.MaxRetries {
		step.RetryCount++
		s.RetryCount++
		step.Status = saga.StepStatusRetrying
		s.Status = saga.StatusRetrying
		if _, err := e.save(ctx, s); err != nil {
			return true, err
		}
		e.publish(ctx, eventbus.StepRetrying, s, step.ID, map[string]interface{}{"retry_count": step.RetryCount})
		if e.Metrics != nil {
			e.Metrics.RecordStepExecution(step.Type, false, step.DurationMs)
			e.Metrics.RecordStepRetried()
		}

		if err := e.sleepBackoff(ctx, step.RetryDelayMs); err != nil {
			return true, err
		}
		s.Status = saga.StatusRunning
		return false, nil
	}

	if !step.Required {
		step.Status = saga.StepStatusFailed
		s.CurrentStepIndex++
		s.Status = saga.StatusRunning
		if _, err := e.save(ctx, s); err != nil {
			return true, err
		}
		e.publish(ctx, eventbus.StepFailed, s, step.ID, map[string]interface{}{"required": false})
		if e.Metrics != nil {
			e.Metrics.RecordStepExecution(step.Type, false, step.DurationMs)
		}
		return false, nil
	}

	step.Status = saga.StepStatusFailed
	s.Status = saga.StatusCompensating
	if _, err := e.save(ctx, s); err != nil {
		return true, err
	}
	e.publish(ctx, eventbus.StepFailed, s, step.ID, map[string]interface{}{"required": true})
	if e.Metrics != nil {
		e.Metrics.RecordStepExecution(step.Type, false, step.DurationMs)
	}

	return true, e.runCompensation(ctx, s)
}

// sleepBackoff waits step.RetryDelayMs, honoring ctx cancellation. The
// delay itself comes from sethvargo/go-retry's Backoff.Next, the same
// primitive retry.Do uses internally, so a future variable-delay policy
// (Fibonacci, jittered) is a one-line change to the constructor here.
func (e *Engine) sleepBackoff(ctx context.Context, delayMs int64) error {
	if delayMs <= 0 {
		return nil
	}
	b := retry.NewConstant(time.Duration(delayMs) * time.Millisecond)
	d, _ := b.Next()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) completeSaga(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
	now := e.now()
	s.Status = saga.StatusCompleted
	s.CompletedAt = now
	if _, err := e.save(ctx, s); err != nil {
		return s, err
	}
	e.publish(ctx, eventbus.SagaCompleted, s, "", nil)
	if e.Metrics != nil {
		e.Metrics.RecordSagaCompleted()
	}
	return s, nil
}

func (e *Engine) timeoutSaga(ctx context.Context, s *saga.Saga, currentStep *saga.Step) (*saga.Saga, error) {
	now := e.now()
	if currentStep != nil && currentStep.Status == saga.StepStatusRunning {
		currentStep.Status = saga.StepStatusTimeout
		currentStep.CompletedAt = now
		currentStep.ErrorMessage = "timeout"
	}
	s.Status = saga.StatusTimeout
	s.CompletedAt = now
	if _, err := e.save(ctx, s); err != nil {
		return s, err
	}
	e.publish(ctx, eventbus.SagaTimedOut, s, "", nil)
	if e.Metrics != nil {
		e.Metrics.RecordSagaTimedOut()
	}

	// TIMEOUT is one of the four immutable terminal statuses (spec §3): the
	// saga's persisted record above (Status=TIMEOUT, CompletedAt=now) is
	// final. The diagram in spec §4.8 draws TIMEOUT as a leaf that
	// "triggers compensation asynchronously" as a side effect, unlike the
	// required-step-failure branch's explicit COMPENSATING ->
	// COMPENSATED/FAILED transition, so the compensation walk below must
	// never overwrite this saga's Status or re-stamp CompletedAt.
	if err := e.compensateAfterTimeout(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// compensateAfterTimeout runs the compensation driver over an
// already-terminal (TIMEOUT) saga and persists the resulting per-step
// compensation state, without touching the saga's own Status or
// CompletedAt.
func (e *Engine) compensateAfterTimeout(ctx context.Context, s *saga.Saga) error {
	var compErr error
	if e.CompPool != nil {
		e.CompPool.RunSync(ctx, func(ctx context.Context) {
			_, compErr = e.Compensation.Compensate(ctx, s)
		})
	} else {
		_, compErr = e.Compensation.Compensate(ctx, s)
	}
	if _, err := e.save(ctx, s); err != nil {
		return err
	}
	if compErr != nil {
		e.publish(ctx, eventbus.SagaFailed, s, "", map[string]interface{}{"after_timeout": true, "compensation_error": compErr.Error()})
		if e.Metrics != nil {
			e.Metrics.RecordSagaFailed()
		}
		return nil
	}
	e.publish(ctx, eventbus.SagaCompensated, s, "", map[string]interface{}{"after_timeout": true})
	if e.Metrics != nil {
		e.Metrics.RecordSagaCompensated()
	}
	return nil
}

// runCompensation invokes the CompensationDriver and finalizes the saga's
// terminal status per spec §4.7 steps 5-6. Reached only from the required-
// step-failure and admin-triggered Compensate paths, where COMPENSATING ->
// COMPENSATED/FAILED is the correct terminal transition (spec §4.8's
// diagram at the required-failure branch, as opposed to the TIMEOUT leaf
// handled by compensateAfterTimeout above).
func (e *Engine) runCompensation(ctx context.Context, s *saga.Saga) error {
	if _, err := e.save(ctx, s); err != nil {
		return err
	}

	var outcomes []compensation.StepOutcome
	var compErr error
	if e.CompPool != nil {
		e.CompPool.RunSync(ctx, func(ctx context.Context) {
			outcomes, compErr = e.Compensation.Compensate(ctx, s)
		})
	} else {
		outcomes, compErr = e.Compensation.Compensate(ctx, s)
	}
	// Only a failed required compensation makes the saga FAILED; failed
	// non-required compensations still end in COMPENSATED.
	requiredFailed := false
	for _, o := range outcomes {
		if o.Required && o.Err != nil {
			requiredFailed = true
		}
	}
	now := e.now()
	s.CompletedAt = now
	if requiredFailed {
		s.Status = saga.StatusFailed
		s.ErrorMessage = compErr.Error()
		if _, err := e.save(ctx, s); err != nil {
			return err
		}
		e.publish(ctx, eventbus.SagaFailed, s, "", nil)
		if e.Metrics != nil {
			e.Metrics.RecordSagaFailed()
		}
		return nil
	}

	s.Status = saga.StatusCompensated
	if _, err := e.save(ctx, s); err != nil {
		return err
	}
	e.publish(ctx, eventbus.SagaCompensated, s, "", nil)
	if e.Metrics != nil {
		e.Metrics.RecordSagaCompensated()
	}
	return nil
}
