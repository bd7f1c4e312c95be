package compensation

import (
	"context"
	"testing"
	"time"

	"github.com/sagaflow/orchestrator/internal/testutil"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/executor"
)

func completedStep(name string, order int, required bool) *saga.Step {
	step := saga.NewStep(name, order, saga.StepTypeHTTPCall)
	step.Status = saga.StepStatusCompleted
	step.Required = required
	step.CompensationConfig = &saga.CompensationConfig{
		Type:       saga.StepTypeHTTPCall,
		Required:   required,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}
	return step
}

func TestCompensate_RunsInReverseOrder(t *testing.T) {
	var order []string
	exec := recordingExecutor{onExecute: func(step *saga.Step) executor.Result {
		order = append(order, step.ID)
		return executor.Result{Success: true}
	}}

	step0 := completedStep("step0", 0, true)
	step1 := completedStep("step1", 1, true)
	s := saga.New("test", []*saga.Step{step0, step1}, saga.Data{}, saga.Options{})

	d := New(&exec, nil)
	outcomes, err := d.Compensate(context.Background(), s)
	if err != nil {
		t.Fatalf("Compensate failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if order[0] != step1.ID || order[1] != step0.ID {
		t.Errorf("expected reverse execution order, got %v", order)
	}
	if step0.Status != saga.StepStatusCompensated || step1.Status != saga.StepStatusCompensated {
		t.Errorf("expected both steps COMPENSATED, got %s / %s", step0.Status, step1.Status)
	}
}

func TestCompensate_SkipsStepsWithoutCompensationConfig(t *testing.T) {
	step0 := saga.NewStep("no-comp", 0, saga.StepTypeWait)
	step0.Status = saga.StepStatusCompleted

	s := saga.New("test", []*saga.Step{step0}, saga.Data{}, saga.Options{})
	d := New(&testutil.AlwaysSucceed{}, nil)

	outcomes, err := d.Compensate(context.Background(), s)
	if err != nil {
		t.Fatalf("Compensate failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("expected no outcomes for a step with no compensation_config, got %d", len(outcomes))
	}
}

func TestCompensate_RequiredFailureStopsWalkAndFails(t *testing.T) {
	step0 := completedStep("step0", 0, true)
	step1 := completedStep("step1", 1, true)
	s := saga.New("test", []*saga.Step{step0, step1}, saga.Data{}, saga.Options{})

	d := New(&testutil.AlwaysFail{Msg: "compensation unreachable"}, nil)
	outcomes, err := d.Compensate(context.Background(), s)
	if err == nil {
		t.Fatal("expected an error from a required compensation failure")
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected the walk to stop after the first (step1) failure, got %d outcomes", len(outcomes))
	}
	if step1.Status != saga.StepStatusFailed {
		t.Errorf("expected the failed required compensation to leave step1 FAILED, got %s", step1.Status)
	}
}

func TestCompensate_NonRequiredFailureContinuesWalk(t *testing.T) {
	step0 := completedStep("step0", 0, true)
	step1 := completedStep("step1", 1, false)
	s := saga.New("test", []*saga.Step{step0, step1}, saga.Data{}, saga.Options{})

	d := New(&testutil.AlwaysFail{Msg: "non-required failure"}, nil)
	outcomes, err := d.Compensate(context.Background(), s)
	if err == nil {
		t.Fatal("expected an error since step0's required compensation also failed")
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected the walk to continue past a non-required failure, got %d outcomes", len(outcomes))
	}
	// step1 (non-required, compensated first in reverse order) must be
	// recorded as FAILED rather than stuck at the in-flight COMPENSATING
	// status compensateStep sets before attempting (spec §4.7 step 5).
	if step1.Status != saga.StepStatusFailed {
		t.Errorf("expected the failed non-required compensation to leave step1 FAILED, got %s", step1.Status)
	}
}

type recordingExecutor struct {
	onExecute func(step *saga.Step) executor.Result
}

func (r *recordingExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result {
	return r.onExecute(step)
}
