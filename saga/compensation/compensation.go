// Package compensation implements the CompensationDriver (spec §4.7):
// when a saga must roll back, run each executed, compensatable step's
// compensation action in reverse order. It is grounded on the teacher's
// framework/saga/orchestrator.go DefaultOrchestrator.Compensate loop
// (which walks history in reverse and invokes each step's Compensate
// method), generalized from the teacher's single retryable compensate
// call to the required/non-required branching and per-step backoff spec
// §4.7 adds, and using cenkalti/backoff/v5 — reserved for compensation
// retries specifically so the policy is visibly distinct from the
// engine's forward-step retry backoff (sethvargo/go-retry).
package compensation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/executor"
)

// Executor resolves a step type to a runnable action; the driver depends
// on this narrow interface rather than the full registry.Registry so it
// can be tested with a stub.
type Executor interface {
	Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result
}

// Driver runs a saga's compensations (spec §4.7).
type Driver struct {
	Executor Executor
	Logger   *zap.Logger
}

func New(exec Executor, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{Executor: exec, Logger: logger}
}

// StepOutcome is the result of compensating one step.
type StepOutcome struct {
	StepID   string
	Required bool
	Err      error
}

// Compensate walks s.Steps in descending Order, running the compensation
// action of every step that WasExecuted and carries a non-nil
// CompensationConfig (spec §4.7 "Selection"). Steps without a
// CompensationConfig are skipped — not an error (spec §4.7 "Compensation
// is best-effort for steps with no compensation_config").
//
// A required step's compensation failure stops the walk and is returned
// immediately, wrapped as errs.KindCompensationFailed — spec §4.7 "If a
// required compensation fails after retries, the saga moves to FAILED,
// not COMPENSATED". A non-required step's failure is recorded and
// aggregated with multierr, and the walk continues (spec §4.7
// "non-required failures do not block compensating the rest").
func (d *Driver) Compensate(ctx context.Context, s *saga.Saga) ([]StepOutcome, error) {
	steps := compensableSteps(s)
	var outcomes []StepOutcome
	var nonRequiredErrs error

	for _, step := range steps {
		cfg := step.CompensationConfig
		err := d.compensateStep(ctx, s, step, cfg)
		outcomes = append(outcomes, StepOutcome{StepID: step.ID, Required: cfg.Required, Err: err})

		if err != nil {
			// A failed compensation attempt leaves the step FAILED, not
			// stuck at the in-flight COMPENSATING status compensateStep set
			// before attempting (spec §4.7 step 5).
			step.Status = saga.StepStatusFailed
			d.Logger.Warn("compensation step failed",
				zap.String("saga_id", s.ID),
				zap.String("step_id", step.ID),
				zap.Bool("required", cfg.Required),
				zap.Error(err))
			if cfg.Required {
				return outcomes, errs.Wrap(err, errs.KindCompensationFailed,
					"required compensation failed for step "+step.ID)
			}
			nonRequiredErrs = multierr.Append(nonRequiredErrs, err)
			continue
		}
		step.Status = saga.StepStatusCompensated
	}

	if nonRequiredErrs != nil {
		return outcomes, errs.Wrap(nonRequiredErrs, errs.KindCompensationFailed,
			"one or more non-required compensations failed")
	}
	return outcomes, nil
}

// compensableSteps returns steps that executed and carry a compensation
// config, in descending Order (spec §4.7 "reverse of execution order").
func compensableSteps(s *saga.Saga) []*saga.Step {
	var out []*saga.Step
	for _, st := range s.Steps {
		if st.WasExecuted() && st.Compensatable && st.CompensationConfig != nil {
			out = append(out, st)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (d *Driver) compensateStep(ctx context.Context, s *saga.Saga, step *saga.Step, cfg *saga.CompensationConfig) error {
	step.Status = saga.StepStatusCompensating

	compStep := &saga.Step{
		ID:     step.ID,
		Name:   step.Name,
		Type:   cfg.Type,
		Config: cfg.Config,
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay

	// maxRetries is retries beyond the first attempt (spec §4.7 step 3: "up
	// to compensation.max_retries + 1" total attempts).
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res := d.Executor.Execute(ctx, compStep, s.OutputData)
		if res.Success {
			return struct{}{}, nil
		}
		return struct{}{}, errs.New(errs.KindStepTransient, res.ErrorMessage)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxRetries+1)))

	return err
}
