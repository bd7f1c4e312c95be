package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sagaflow/orchestrator/saga"
)

func TestMetrics_SagaCounters(t *testing.T) {
	m := New()
	m.RecordSagaStarted()
	m.RecordSagaStarted()
	m.RecordSagaCompleted()
	m.RecordSagaFailed()
	m.RecordSagaCompensated()
	m.RecordSagaTimedOut()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.SagasTotal)
	assert.Equal(t, int64(1), snap.SagasSuccessful)
	assert.Equal(t, int64(1), snap.SagasFailed)
	assert.Equal(t, int64(1), snap.SagasCompensated)
	assert.Equal(t, int64(1), snap.SagasTimedOut)
	assert.InDelta(t, 50.0, snap.SagaSuccessRatePct, 0.001)
}

func TestMetrics_StepExecutionEMA(t *testing.T) {
	m := New()
	m.RecordStepExecution(saga.StepTypeHTTPCall, true, 100)
	m.RecordStepExecution(saga.StepTypeHTTPCall, true, 300)

	snap := m.Snapshot()
	if len(snap.ByStepType) != 1 {
		t.Fatalf("expected one step type row, got %d", len(snap.ByStepType))
	}
	row := snap.ByStepType[0]
	assert.Equal(t, int64(2), row.Count)
	assert.Equal(t, int64(0), row.Failures)
	// avg <- (avg + observed) / 2: 100, then (100+300)/2 = 200.
	assert.InDelta(t, 200.0, row.AvgDurationMs, 0.001)
}

func TestMetrics_BreakerTripsPerService(t *testing.T) {
	m := New()
	m.RecordBreakerTrip("svc-a")
	m.RecordBreakerTrip("svc-a")
	m.RecordBreakerTrip("svc-b")
	m.RecordBreakerReset("svc-a")

	snap := m.Snapshot()
	byService := make(map[string]BreakerSnapshot)
	for _, row := range snap.ByService {
		byService[row.Service] = row
	}
	assert.Equal(t, int64(2), byService["svc-a"].Trips)
	assert.Equal(t, int64(1), byService["svc-a"].Resets)
	assert.Equal(t, int64(1), byService["svc-b"].Trips)
}

func TestMetrics_ConcurrentRecordingIsRaceFree(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordStepExecution(saga.StepTypeWait, true, 10)
			m.RecordSagaStarted()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(50), snap.SagasTotal)
	assert.Equal(t, int64(50), snap.StepsTotal)
}

func TestMetrics_EmptySnapshotHasZeroRates(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	assert.Equal(t, 0.0, snap.SagaSuccessRatePct)
	assert.Equal(t, 0.0, snap.StepSuccessRatePct)
}
