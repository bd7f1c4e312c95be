// Package registry implements the StepExecutorRegistry (spec §4.6):
// dispatch from a Step's type to its registered executor.Executor. It is
// grounded on the teacher's own "explicit StepExecutorRegistry constructed
// once at startup" design note (spec §9, itself echoing potter's
// framework/cqrs registry pattern of a map keyed by name, populated at
// startup rather than discovered via reflection).
package registry

import (
	"context"
	"sync"

	"github.com/sagaflow/orchestrator/saga"
	"github.com/sagaflow/orchestrator/saga/executor"
)

// Registry holds one Executor per StepType.
type Registry struct {
	mu        sync.RWMutex
	executors map[saga.StepType]executor.Executor
}

func New() *Registry {
	return &Registry{executors: make(map[saga.StepType]executor.Executor)}
}

// Register installs an executor for a step type, overwriting any previous
// registration — used both for the four required types and to let a host
// program supply the optional ones (spec §4.5 "must either be registered
// by the host").
func (r *Registry) Register(stepType saga.StepType, e executor.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = e
}

// Resolve returns the executor for stepType, or executor.Unsupported when
// none is registered — the engine treats that as a non-retryable failure
// (spec §4.6 "Returns UNSUPPORTED_STEP_TYPE for unknown types").
func (r *Registry) Resolve(stepType saga.StepType) executor.Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[stepType]; ok {
		return e
	}
	return executor.Unsupported{StepType: stepType}
}

// Execute is a convenience that resolves and runs in one call.
func (r *Registry) Execute(ctx context.Context, step *saga.Step, sagaInput saga.Data) executor.Result {
	return r.Resolve(step.Type).Execute(ctx, step, sagaInput)
}
