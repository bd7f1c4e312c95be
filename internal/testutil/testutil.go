// Package testutil provides small test fixtures shared across the saga
// packages' test suites, grounded on the teacher's framework/testing
// package's role (a t.Fatalf-on-error constructor for a ready-to-use test
// double) but built for this module's aggregate instead of potter's DI
// container.
package testutil

import (
	"context"
	"testing"

	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/executor"
)

// NewSaga builds a saga in CREATED status for tests, with one step per
// given type (two WAIT steps when no type is given).
func NewSaga(t *testing.T, stepTypes ...saga.StepType) *saga.Saga {
	t.Helper()
	if len(stepTypes) == 0 {
		stepTypes = []saga.StepType{saga.StepTypeWait, saga.StepTypeWait}
	}
	steps := make([]*saga.Step, len(stepTypes))
	for i, st := range stepTypes {
		step := saga.NewStep("step", i, st)
		step.MaxRetries = 0
		steps[i] = step
	}
	return saga.New("test-saga", steps, saga.Data{"in": "value"}, saga.Options{})
}

// StubExecutor is a scripted executor.Executor for engine/registry tests.
type StubExecutor struct {
	Results []executor.Result
	calls   int
}

func (s *StubExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result {
	if s.calls >= len(s.Results) {
		return executor.Result{Success: true, Output: saga.Data{}}
	}
	r := s.Results[s.calls]
	s.calls++
	return r
}

// AlwaysFail returns an Executor that always fails with msg.
type AlwaysFail struct{ Msg string }

func (a AlwaysFail) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result {
	return executor.Result{Success: false, ErrorMessage: a.Msg}
}

// AlwaysSucceed returns an Executor that always succeeds with output.
type AlwaysSucceed struct{ Output saga.Data }

func (a AlwaysSucceed) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result {
	return executor.Result{Success: true, Output: a.Output}
}
