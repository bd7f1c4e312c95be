package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/ratelimit"
	"github.com/sagaflow/orchestrator/saga/store"
)

// fakeEngine drives Advance deterministically for orchestrator tests
// without pulling in the real engine package.
type fakeEngine struct {
	advanceFn func(ctx context.Context, s *saga.Saga) (*saga.Saga, error)
	calls     int
}

func (f *fakeEngine) Advance(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
	f.calls++
	if f.advanceFn != nil {
		return f.advanceFn(ctx, s)
	}
	s.Status = saga.StatusCompleted
	return s, nil
}

func oneStepSaga() []*saga.Step {
	return []*saga.Step{saga.NewStep("step0", 0, saga.StepTypeWait)}
}

func TestOrchestrator_CreateWithoutAutoStartStaysCreated(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	orch, err := New(st, eng, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCreated, s.Status)
	assert.Equal(t, 0, eng.calls)
}

func TestOrchestrator_CreateWithAutoStartExecutes(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	orch, err := New(st, eng, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, true)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, s.Status)
	assert.Equal(t, 1, eng.calls)
}

func TestOrchestrator_CreateRejectsEmptySteps(t *testing.T) {
	st := store.NewInMemory()
	orch, err := New(st, &fakeEngine{}, nil, nil, 0)
	require.NoError(t, err)

	_, err = orch.Create(context.Background(), "empty", nil, saga.Data{}, saga.Options{}, false)
	assert.Error(t, err)
}

func TestOrchestrator_ExecuteIsIdempotentOnTerminal(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	// Like the real engine, persist the terminal state Advance reaches.
	eng.advanceFn = func(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
		s.Status = saga.StatusCompleted
		return st.Save(ctx, s)
	}
	orch, err := New(st, eng, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, true)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, s.Status)

	_, err = orch.Execute(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.calls, "Execute on an already-terminal saga must not re-invoke the engine")
}

func TestOrchestrator_ExecuteHonorsRateLimiter(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	limiter := ratelimit.New(ratelimit.Config{BurstWindow: time.Minute, BurstLimit: 0, MinuteLimit: 0, HourLimit: 0})
	orch, err := New(st, eng, limiter, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)

	_, err = orch.Execute(context.Background(), s.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, eng.calls)
}

func TestOrchestrator_RetryRequiresFailedStatus(t *testing.T) {
	st := store.NewInMemory()
	orch, err := New(st, &fakeEngine{}, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)

	_, err = orch.Retry(context.Background(), s.ID)
	assert.Error(t, err)
}

func TestOrchestrator_RetryResetsCountersAndAdvances(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	orch, err := New(st, eng, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{Metadata: saga.Data{}}, false)
	require.NoError(t, err)
	s.Status = saga.StatusFailed
	s.RetryCount = 1
	s.ErrorMessage = "boom"
	_, err = st.Save(context.Background(), s)
	require.NoError(t, err)

	got, err := orch.Retry(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 1, eng.calls)
}

func TestOrchestrator_RetryRejectsExhaustedBudget(t *testing.T) {
	st := store.NewInMemory()
	orch, err := New(st, &fakeEngine{}, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)
	s.Status = saga.StatusFailed
	s.RetryCount = s.MaxRetries
	_, err = st.Save(context.Background(), s)
	require.NoError(t, err)

	_, err = orch.Retry(context.Background(), s.ID)
	assert.Error(t, err)
}

func TestOrchestrator_CompensateRequiresFailedOrRunning(t *testing.T) {
	st := store.NewInMemory()
	orch, err := New(st, &fakeEngine{}, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)

	_, err = orch.Compensate(context.Background(), s.ID)
	assert.Error(t, err)
}

func TestOrchestrator_ListByStatusAndCorrelation(t *testing.T) {
	st := store.NewInMemory()
	orch, err := New(st, &fakeEngine{}, nil, nil, 0)
	require.NoError(t, err)

	_, err = orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{CorrelationID: "order-1"}, false)
	require.NoError(t, err)

	page, err := orch.ListByStatus(context.Background(), saga.StatusCreated, saga.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	matched, err := orch.ListByCorrelation(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestOrchestrator_ExecuteAsyncEventuallyRuns(t *testing.T) {
	st := store.NewInMemory()
	eng := &fakeEngine{}
	orch, err := New(st, eng, nil, nil, 0)
	require.NoError(t, err)

	s, err := orch.Create(context.Background(), "checkout", oneStepSaga(), saga.Data{}, saga.Options{}, false)
	require.NoError(t, err)

	require.NoError(t, orch.ExecuteAsync(context.Background(), s.ID))
	assert.Eventually(t, func() bool { return eng.calls == 1 }, time.Second, 5*time.Millisecond)
}
