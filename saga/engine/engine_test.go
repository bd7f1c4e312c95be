package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sagaflow/orchestrator/internal/testutil"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/compensation"
	"github.com/sagaflow/orchestrator/saga/eventbus"
	"github.com/sagaflow/orchestrator/saga/executor"
	"github.com/sagaflow/orchestrator/saga/metrics"
	"github.com/sagaflow/orchestrator/saga/store"
)

func newTestEngine(t *testing.T, exec Registry) (*Engine, store.Store) {
	t.Helper()
	st := store.NewInMemory()
	comp := compensation.New(&testutil.AlwaysSucceed{}, nil)
	events := eventbus.NewInMemory()
	m := metrics.New()
	return New(st, exec, comp, events, m, nil), st
}

func TestAdvance_AllStepsSucceed_ReachesCompleted(t *testing.T) {
	s := testutil.NewSaga(t, saga.StepTypeWait, saga.StepTypeWait)
	eng, st := newTestEngine(t, &testutil.AlwaysSucceed{Output: saga.Data{"ok": true}})
	seeded, err := st.Save(context.Background(), s)
	if err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	s = seeded

	got, err := eng.Advance(context.Background(), s)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got.Status != saga.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	for _, step := range got.Steps {
		if step.Status != saga.StepStatusCompleted {
			t.Errorf("step %s: expected COMPLETED, got %s", step.ID, step.Status)
		}
	}
	if got.OutputData["ok"] != true {
		t.Errorf("expected output_data to carry step output, got %v", got.OutputData)
	}
}

func TestAdvance_RetryThenSucceed_StepCompletes(t *testing.T) {
	s := testutil.NewSaga(t, saga.StepTypeWait)
	s.Steps[0].MaxRetries = 2
	s.Steps[0].RetryDelayMs = 1

	eng, st := newTestEngine(t, &testutil.StubExecutor{
		Results: []executor.Result{
			{Success: false, ErrorMessage: "transient"},
			{Success: true, Output: saga.Data{"attempt": 2}},
		},
	})
	seeded, err := st.Save(context.Background(), s)
	if err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	s = seeded

	got, err := eng.Advance(context.Background(), s)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got.Status != saga.StatusCompleted {
		t.Fatalf("expected COMPLETED after retry, got %s", got.Status)
	}
	if got.Steps[0].RetryCount == 0 {
		t.Errorf("expected retry_count to reflect the failed attempt, got %d", got.Steps[0].RetryCount)
	}
}

func TestAdvance_RequiredStepExhausted_Compensates(t *testing.T) {
	s := testutil.NewSaga(t, saga.StepTypeWait, saga.StepTypeWait)
	s.Steps[0].MaxRetries = 0
	s.Steps[0].CompensationConfig = &saga.CompensationConfig{Type: saga.StepTypeWait, Required: true, MaxRetries: 1}

	eng, st := newTestEngine(t, &testutil.StubExecutor{
		Results: []executor.Result{
			{Success: false, ErrorMessage: "boom"},
		},
	})
	seeded, err := st.Save(context.Background(), s)
	if err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	s = seeded

	got, err := eng.Advance(context.Background(), s)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got.Status != saga.StatusCompensated && got.Status != saga.StatusFailed {
		t.Fatalf("expected COMPENSATED or FAILED, got %s", got.Status)
	}
	if got.Steps[0].Status != saga.StepStatusFailed {
		t.Errorf("expected step 0 FAILED before compensation, got %s", got.Steps[0].Status)
	}
}

func TestAdvance_NonRequiredStepFails_SagaContinues(t *testing.T) {
	s := testutil.NewSaga(t, saga.StepTypeWait, saga.StepTypeWait)
	s.Steps[0].Required = false
	s.Steps[0].MaxRetries = 0

	eng, st := newTestEngine(t, &testutil.StubExecutor{
		Results: []executor.Result{
			{Success: false, ErrorMessage: "boom"},
			{Success: true, Output: saga.Data{"ok": true}},
		},
	})
	seeded, err := st.Save(context.Background(), s)
	if err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	s = seeded

	got, err := eng.Advance(context.Background(), s)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got.Status != saga.StatusCompleted {
		t.Fatalf("expected COMPLETED (non-required failure shouldn't block), got %s", got.Status)
	}
	if got.Steps[0].Status != saga.StepStatusFailed {
		t.Errorf("expected step 0 FAILED, got %s", got.Steps[0].Status)
	}
}

func TestAdvance_SagaTimeout_TriggersCompensation(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour)
	s := testutil.NewSaga(t, saga.StepTypeWait)
	s.TimeoutMs = 1000
	s.Status = saga.StatusRunning
	s.StartedAt = start

	// Freeze the clock a little after the deadline so completed_at can be
	// checked against started_at+timeout_ms rather than wall-clock time,
	// and so that compensateAfterTimeout running afterward (which does not
	// advance this frozen clock) cannot re-stamp it later.
	deadline := start.Add(1000 * time.Millisecond)
	frozen := deadline.Add(10 * time.Millisecond)

	eng, st := newTestEngine(t, &testutil.AlwaysFail{Msg: "should not be called"})
	eng.now = func() time.Time { return frozen }
	seeded, err := st.Save(context.Background(), s)
	if err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	s = seeded

	got, err := eng.Advance(context.Background(), s)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	// TIMEOUT is one of the four immutable terminal statuses (spec §3): the
	// asynchronous compensation triggered afterward must never overwrite it.
	if got.Status != saga.StatusTimeout {
		t.Fatalf("expected saga to remain TIMEOUT after async compensation, got %s", got.Status)
	}

	// Testable property scenario 6: completed_at must land within a small
	// epsilon of started_at+timeout_ms, not be re-stamped by whatever the
	// asynchronous compensation walk did afterward.
	if delta := got.CompletedAt.Sub(deadline); delta < 0 || delta > 50*time.Millisecond {
		t.Fatalf("expected completed_at within epsilon of started_at+timeout_ms (%v), got %v", deadline, got.CompletedAt)
	}
}
