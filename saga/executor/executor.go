// Package executor implements the StepExecutor variants (spec §4.5). The
// common Execute(step, input) -> StepResult contract is grounded on the
// teacher's framework/saga/step.go SagaStep interface, but replaces its
// class-per-step-kind hierarchy (CommandStep/EventStep/TwoPhaseCommitStep)
// with the fixed set of adapters spec §4.5 requires. The HTTP and database
// adapters are guarded by a saga/breaker.Breaker for their external
// service identity; the wait and business-logic adapters are not.
package executor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/breaker"
	"github.com/sagaflow/orchestrator/saga/stepconfig"
)

// Result is the outcome of one step execution attempt (spec §4.5 "StepResult").
type Result struct {
	Success      bool
	Output       saga.Data
	ErrorMessage string
	ErrorTrace   string
	DurationMs   int64

	// Kind is the errs.Kind of the failure, when the executor produced one
	// via fail(). The engine uses it to tell a non-retryable failure
	// (STEP_TERMINAL, UNSUPPORTED_STEP_TYPE) apart from a transient one
	// that should still burn through the step's retry budget (spec §4.6).
	Kind errs.Kind
}

// Executor is the common StepExecutor contract (spec §4.5).
type Executor interface {
	Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result
}

func fail(err error, start time.Time) Result {
	kind, _ := errs.KindOf(err)
	return Result{
		Success:      false,
		ErrorMessage: err.Error(),
		DurationMs:   time.Since(start).Milliseconds(),
		Kind:         kind,
	}
}

func ok(output saga.Data, start time.Time) Result {
	if output == nil {
		output = saga.Data{}
	}
	return Result{Success: true, Output: output, DurationMs: time.Since(start).Milliseconds()}
}

// HTTPExecutor implements StepTypeHTTPCall (spec §4.5 "HTTP" — required).
type HTTPExecutor struct {
	Client  *http.Client
	Breaker *breaker.Breaker
}

func NewHTTPExecutor(b *breaker.Breaker) *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{}, Breaker: b}
}

func (e *HTTPExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	cfg, err := stepconfig.DecodeHTTPCall(step.Config)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid http_call config"), start)
	}

	serviceID, err := hostOf(cfg.URL)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid url"), start)
	}
	if e.Breaker != nil {
		if err := e.Breaker.Allow(serviceID); err != nil {
			return fail(err, start)
		}
	}

	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	body, err := renderRequestBody(cfg.RequestBodyTemplate, sagaInput)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "render request_body_template"), start)
	}
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bodyReader)
	if err != nil {
		if e.Breaker != nil {
			e.Breaker.RecordFailure(serviceID)
		}
		return fail(errs.Wrap(err, errs.KindStepTransient, "build request"), start)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		if e.Breaker != nil {
			e.Breaker.RecordFailure(serviceID)
		}
		if ctx.Err() != nil {
			return fail(errs.Wrap(err, errs.KindStepTimeout, "http call timed out"), start)
		}
		return fail(errs.Wrap(err, errs.KindStepTransient, "http call failed"), start)
	}
	defer resp.Body.Close()

	if !statusExpected(resp.StatusCode, cfg.ExpectedStatusCodes) {
		if e.Breaker != nil {
			e.Breaker.RecordFailure(serviceID)
		}
		return fail(errs.New(errs.KindStepTransient, httpStatusMessage(resp.StatusCode)), start)
	}

	if e.Breaker != nil {
		e.Breaker.RecordSuccess(serviceID)
	}
	return ok(saga.Data{"status_code": resp.StatusCode}, start)
}

// renderRequestBody substitutes sagaInput into an HTTP_CALL step's
// request_body_template, the same substitution-context idea used for
// compensation dispatch. An empty template renders to an empty body.
func renderRequestBody(tmpl string, sagaInput saga.Data) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := template.New("http_call_body").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]interface{}(sagaInput)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

func httpStatusMessage(code int) string {
	return "unexpected status code " + http.StatusText(code)
}

// DatabaseHandler executes a parameterized statement; hosts register a
// concrete implementation (e.g. wrapping *sql.DB or a pgx pool).
type DatabaseHandler func(ctx context.Context, query string, params map[string]interface{}) (map[string]interface{}, error)

// DatabaseExecutor implements StepTypeDatabaseOp (spec §4.5 "Database" — required).
type DatabaseExecutor struct {
	Handler DatabaseHandler
	Breaker *breaker.Breaker
	ServiceID string // e.g. a DSN label, per spec §4.2 "a database DSN label"
}

func NewDatabaseExecutor(serviceID string, handler DatabaseHandler, b *breaker.Breaker) *DatabaseExecutor {
	return &DatabaseExecutor{Handler: handler, Breaker: b, ServiceID: serviceID}
}

func (e *DatabaseExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	cfg, err := stepconfig.DecodeDatabaseOp(step.Config)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid database_op config"), start)
	}
	if e.Breaker != nil {
		if err := e.Breaker.Allow(e.ServiceID); err != nil {
			return fail(err, start)
		}
	}
	if e.Handler == nil {
		return fail(errs.New(errs.KindStepTerminal, "no database handler registered"), start)
	}

	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	out, err := e.Handler(ctx, cfg.Query, cfg.QueryParameters)
	if err != nil {
		if e.Breaker != nil {
			e.Breaker.RecordFailure(e.ServiceID)
		}
		if ctx.Err() != nil {
			return fail(errs.Wrap(err, errs.KindStepTimeout, "database op timed out"), start)
		}
		return fail(errs.Wrap(err, errs.KindStepTransient, "database op failed"), start)
	}
	if e.Breaker != nil {
		e.Breaker.RecordSuccess(e.ServiceID)
	}
	return ok(saga.Data(out), start)
}

// BusinessHandler is a named in-process handler registered by the host
// program (spec §4.5 "invokes a named in-process handler").
type BusinessHandler func(ctx context.Context, method string, properties saga.Data, sagaInput saga.Data) (saga.Data, error)

// BusinessLogicExecutor implements StepTypeBusinessLogic (spec §4.5 — required).
type BusinessLogicExecutor struct {
	Handlers map[string]BusinessHandler
}

func NewBusinessLogicExecutor() *BusinessLogicExecutor {
	return &BusinessLogicExecutor{Handlers: make(map[string]BusinessHandler)}
}

func (e *BusinessLogicExecutor) Register(key string, h BusinessHandler) {
	e.Handlers[key] = h
}

func (e *BusinessLogicExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	cfg, err := stepconfig.DecodeBusinessLogic(step.Config)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid business_logic config"), start)
	}
	handler, ok2 := e.Handlers[cfg.HandlerKey]
	if !ok2 {
		return fail(errs.New(errs.KindStepTerminal, "no handler registered for "+cfg.HandlerKey), start)
	}
	out, err := handler(ctx, cfg.MethodName, saga.Data(cfg.Properties), sagaInput)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTransient, "business logic handler failed"), start)
	}
	return ok(out, start)
}

// WaitExecutor implements StepTypeWait (spec §4.5 "Wait" — required).
type WaitExecutor struct{}

func (e *WaitExecutor) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	cfg, err := stepconfig.DecodeWait(step.Config)
	if err != nil {
		return fail(errs.Wrap(err, errs.KindStepTerminal, "invalid wait config"), start)
	}
	timer := time.NewTimer(time.Duration(cfg.DelayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ok(nil, start)
	case <-ctx.Done():
		return fail(errs.Wrap(ctx.Err(), errs.KindStepTimeout, "wait cancelled"), start)
	}
}

// Unsupported is returned by the registry for step types with no
// registered executor (spec §4.5 "Optional variants ... stubs" and §4.6).
type Unsupported struct{ StepType saga.StepType }

func (u Unsupported) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) Result {
	start := time.Now()
	return fail(errs.New(errs.KindUnsupportedStepType, "unsupported step type: "+string(u.StepType)), start)
}
