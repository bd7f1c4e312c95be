// Package saga defines the data model for the saga orchestrator's
// execution engine: the Saga aggregate, its Steps, and the enums and
// invariants that govern them. It is grounded on the teacher's
// framework/saga/saga.go (SagaStatus, SagaMetadata, SagaHistory) but
// replaces the teacher's FSM-definition-driven saga with the fixed data
// model and status set required by the specification.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// Status is a saga's lifecycle state (spec §3).
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusRunning      Status = "RUNNING"
	StatusRetrying     Status = "RETRYING"
	StatusPaused       Status = "PAUSED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensated  Status = "COMPENSATED"
	StatusTimeout      Status = "TIMEOUT"
)

// IsTerminal reports whether a saga in this status is immutable except for
// administrative retry/compensate (spec §3 "Lifecycle").
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusTimeout:
		return true
	default:
		return false
	}
}

// StepType enumerates the step adapter kinds recognized by config (spec §3, §6).
type StepType string

const (
	StepTypeHTTPCall       StepType = "HTTP_CALL"
	StepTypeDatabaseOp     StepType = "DATABASE_OP"
	StepTypeBusinessLogic  StepType = "BUSINESS_LOGIC"
	StepTypeMessageQueue   StepType = "MESSAGE_QUEUE"
	StepTypeFileOp         StepType = "FILE_OP"
	StepTypeWait           StepType = "WAIT"
	StepTypeConditional    StepType = "CONDITIONAL"
	StepTypeParallel       StepType = "PARALLEL"
	StepTypeSubSaga        StepType = "SUB_SAGA"
)

// StepStatus is a step's lifecycle state (spec §3).
type StepStatus string

const (
	StepStatusCreated      StepStatus = "CREATED"
	StepStatusRunning      StepStatus = "RUNNING"
	StepStatusCompleted    StepStatus = "COMPLETED"
	StepStatusFailed       StepStatus = "FAILED"
	StepStatusCompensating StepStatus = "COMPENSATING"
	StepStatusCompensated  StepStatus = "COMPENSATED"
	StepStatusTimeout      StepStatus = "TIMEOUT"
	StepStatusRetrying     StepStatus = "RETRYING"
	StepStatusSkipped      StepStatus = "SKIPPED"
)

// Data is the free-form key/value container used at the engine boundary
// for input/output/config maps (spec §9 "deliberate looseness").
type Data map[string]interface{}

// Clone returns a shallow copy of d.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge overlays other on top of d, returning a new map; keys in other
// win on collision, matching the saga's output_data accumulation contract
// (spec §3: "later steps overwrite earlier on key collision").
func (d Data) Merge(other Data) Data {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// StepAttempt records one execution attempt of a step. This is a
// supplemental field (see SPEC_FULL.md "Supplemented features") beyond
// what spec §3 requires of a Step; it does not replace retry_count or
// duration_ms, only adds detail for observability.
type StepAttempt struct {
	Number    int
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Error     string
}

// CompensationConfig is the optional reverse action attached to a Step
// (spec §3 "compensation_config").
type CompensationConfig struct {
	Type       StepType
	Config     Data
	Required   bool
	MaxRetries int
	RetryDelay time.Duration
}

// Step is one unit of forward work within a Saga (spec §3 "Step").
type Step struct {
	ID     string
	Name   string
	Order  int
	Type   StepType
	Status StepStatus

	Config             Data
	CompensationConfig *CompensationConfig

	InputData  Data
	OutputData Data

	ErrorMessage string
	ErrorTrace   string

	RetryCount   int
	MaxRetries   int
	TimeoutMs    int64
	RetryDelayMs int64

	Required     bool
	Compensatable bool

	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64

	Attempts []StepAttempt
}

// NewStep constructs a Step in CREATED status with a fresh ID.
func NewStep(name string, order int, typ StepType) *Step {
	return &Step{
		ID:            uuid.NewString(),
		Name:          name,
		Order:         order,
		Type:          typ,
		Status:        StepStatusCreated,
		Config:        Data{},
		InputData:     Data{},
		OutputData:    Data{},
		Required:      true,
		Compensatable: true,
		MaxRetries:    3,
	}
}

// WasExecuted reports whether the step ever reached a status implying its
// forward side effect ran (used by the compensation driver, spec §4.7).
func (s *Step) WasExecuted() bool {
	switch s.Status {
	case StepStatusCompleted, StepStatusCompensating, StepStatusCompensated:
		return true
	default:
		return false
	}
}

// Saga is the aggregate root (spec §3 "Saga").
type Saga struct {
	ID            string
	Name          string
	CorrelationID string

	Status Status

	Steps             []*Step
	CurrentStepIndex  int

	InputData  Data
	OutputData Data

	RetryCount int
	MaxRetries int
	TimeoutMs  int64

	Priority int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Version int64

	ErrorMessage string
	ErrorTrace   string

	Metadata Data
	Tags     []string
}

// Options configures saga creation (spec §4.9 "Create").
type Options struct {
	CorrelationID string
	MaxRetries    int
	TimeoutMs     int64
	Priority      int
	Metadata      Data
	Tags          []string
}

// New constructs a Saga in CREATED status. Steps' Order fields are
// normalized to their index, enforcing invariant 1 from spec §3 at
// construction time.
func New(name string, steps []*Step, input Data, opts Options) *Saga {
	now := time.Now().UTC()
	for i, st := range steps {
		st.Order = i
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if input == nil {
		input = Data{}
	}
	meta := opts.Metadata
	if meta == nil {
		meta = Data{}
	}
	return &Saga{
		ID:               uuid.NewString(),
		Name:             name,
		CorrelationID:    opts.CorrelationID,
		Status:           StatusCreated,
		Steps:            steps,
		CurrentStepIndex: 0,
		InputData:        input,
		OutputData:       Data{},
		MaxRetries:       maxRetries,
		TimeoutMs:        opts.TimeoutMs,
		Priority:         opts.Priority,
		CreatedAt:        now,
		UpdatedAt:        now,
		Metadata:         meta,
		Tags:             opts.Tags,
		Version:          0,
	}
}

// CurrentStep returns the step at CurrentStepIndex, or nil if the saga has
// no more steps to run.
func (s *Saga) CurrentStep() *Step {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return nil
	}
	return s.Steps[s.CurrentStepIndex]
}

// DeadlineExceeded reports whether the saga's wall-clock timeout_ms budget
// (from StartedAt) has elapsed. A TimeoutMs of 0 means no saga-level
// timeout (spec §3).
func (s *Saga) DeadlineExceeded(now time.Time) bool {
	if s.TimeoutMs <= 0 || s.StartedAt.IsZero() {
		return false
	}
	deadline := s.StartedAt.Add(time.Duration(s.TimeoutMs) * time.Millisecond)
	return now.After(deadline)
}

// Touch bumps UpdatedAt; callers do this on every mutation prior to Save.
func (s *Saga) Touch(now time.Time) { s.UpdatedAt = now }

// Page describes a page request/response for list queries (spec §4.1).
type Page struct {
	Offset int
	Limit  int
}

// PageResult wraps a page of sagas with a total count.
type PageResult struct {
	Items []*Saga
	Total int
}
