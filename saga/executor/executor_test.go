package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/breaker"
)

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
}

func TestHTTPExecutor_SuccessRecordsStatusCode(t *testing.T) {
	srv := httptest.NewServer(okHandler())
	defer srv.Close()

	e := NewHTTPExecutor(nil)
	step := saga.NewStep("call", 0, saga.StepTypeHTTPCall)
	step.Config = saga.Data{"url": srv.URL, "http_method": "GET"}

	result := e.Execute(context.Background(), step, saga.Data{})
	require.True(t, result.Success)
	assert.Equal(t, 200, result.Output["status_code"])
}

func TestHTTPExecutor_RendersRequestBodyTemplateFromSagaInput(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPExecutor(nil)
	step := saga.NewStep("call", 0, saga.StepTypeHTTPCall)
	step.Config = saga.Data{
		"url":                   srv.URL,
		"http_method":           "POST",
		"request_body_template": `{"order_id":"{{.order_id}}"}`,
	}

	result := e.Execute(context.Background(), step, saga.Data{"order_id": "abc-123"})
	require.True(t, result.Success)
	assert.Equal(t, `{"order_id":"abc-123"}`, gotBody)
}

func TestHTTPExecutor_InvalidConfigFailsTerminal(t *testing.T) {
	e := NewHTTPExecutor(nil)
	step := saga.NewStep("call", 0, saga.StepTypeHTTPCall)
	step.Config = saga.Data{}

	result := e.Execute(context.Background(), step, saga.Data{})
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Equal(t, errs.KindStepTerminal, result.Kind)
}

func TestHTTPExecutor_OpenBreakerShortCircuits(t *testing.T) {
	srv := httptest.NewServer(okHandler())
	defer srv.Close()

	b := breaker.New(breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour})
	host, err := hostOf(srv.URL)
	require.NoError(t, err)
	b.RecordFailure(host)
	require.Equal(t, breaker.Open, b.State(host))

	e := NewHTTPExecutor(b)
	step := saga.NewStep("call", 0, saga.StepTypeHTTPCall)
	step.Config = saga.Data{"url": srv.URL, "http_method": "GET"}

	result := e.Execute(context.Background(), step, saga.Data{})
	assert.False(t, result.Success)
}

func TestWaitExecutor_CompletesAfterDelay(t *testing.T) {
	e := &WaitExecutor{}
	step := saga.NewStep("wait", 0, saga.StepTypeWait)
	step.Config = saga.Data{"delay_ms": 5}

	result := e.Execute(context.Background(), step, saga.Data{})
	assert.True(t, result.Success)
}

func TestWaitExecutor_CancelledContextFails(t *testing.T) {
	e := &WaitExecutor{}
	step := saga.NewStep("wait", 0, saga.StepTypeWait)
	step.Config = saga.Data{"delay_ms": 500}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.Execute(ctx, step, saga.Data{})
	assert.False(t, result.Success)
}

func TestBusinessLogicExecutor_InvokesRegisteredHandler(t *testing.T) {
	e := NewBusinessLogicExecutor()
	e.Register("OrderHandler", func(ctx context.Context, method string, properties saga.Data, sagaInput saga.Data) (saga.Data, error) {
		return saga.Data{"method": method}, nil
	})

	step := saga.NewStep("charge", 0, saga.StepTypeBusinessLogic)
	step.Config = saga.Data{"class_name": "OrderHandler", "method_name": "charge"}

	result := e.Execute(context.Background(), step, saga.Data{})
	require.True(t, result.Success)
	assert.Equal(t, "charge", result.Output["method"])
}

func TestBusinessLogicExecutor_UnknownHandlerFails(t *testing.T) {
	e := NewBusinessLogicExecutor()
	step := saga.NewStep("charge", 0, saga.StepTypeBusinessLogic)
	step.Config = saga.Data{"class_name": "MissingHandler"}

	result := e.Execute(context.Background(), step, saga.Data{})
	assert.False(t, result.Success)
}

func TestDatabaseExecutor_InvokesHandler(t *testing.T) {
	e := NewDatabaseExecutor("db-1", func(ctx context.Context, query string, params map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"rows_affected": 1}, nil
	}, nil)

	step := saga.NewStep("update", 0, saga.StepTypeDatabaseOp)
	step.Config = saga.Data{"query": "UPDATE accounts SET balance = balance - 1"}

	result := e.Execute(context.Background(), step, saga.Data{})
	require.True(t, result.Success)
	assert.Equal(t, 1, result.Output["rows_affected"])
}

func TestDatabaseExecutor_NoHandlerFailsTerminal(t *testing.T) {
	e := NewDatabaseExecutor("db-1", nil, nil)
	step := saga.NewStep("update", 0, saga.StepTypeDatabaseOp)
	step.Config = saga.Data{"query": "SELECT 1"}

	result := e.Execute(context.Background(), step, saga.Data{})
	assert.False(t, result.Success)
	assert.Equal(t, errs.KindStepTerminal, result.Kind)
}

func TestUnsupported_FailsWithStepType(t *testing.T) {
	u := Unsupported{StepType: saga.StepTypeSubSaga}
	result := u.Execute(context.Background(), saga.NewStep("s", 0, saga.StepTypeSubSaga), saga.Data{})
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, string(saga.StepTypeSubSaga))
}
