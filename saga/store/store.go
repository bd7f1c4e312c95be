// Package store defines the SagaStore contract (spec §4.1) and an
// in-memory reference implementation used by tests and by hosts that do
// not need durability. It is grounded on the teacher's
// framework/saga/persistence.go SagaPersistence interface and
// InMemoryPersistence, generalized to the optimistic-concurrency and
// query surface spec §4.1 requires.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sagaflow/orchestrator/internal/errs"
	"github.com/sagaflow/orchestrator/saga"
)

// Store is the durable persistence contract (spec §4.1). Implementations
// must be safe for concurrent use and must never expose a partially
// written saga.
type Store interface {
	// Save inserts (Version == 0) or updates (Version > 0, matched against
	// the stored version) a saga, returning the stored record with its
	// version incremented. Returns an *errs.Error with KindStaleVersion on
	// version mismatch, KindNotFound updating a missing id.
	Save(ctx context.Context, s *saga.Saga) (*saga.Saga, error)
	Find(ctx context.Context, sagaID string) (*saga.Saga, error)
	FindByStatus(ctx context.Context, status saga.Status, page saga.Page) (saga.PageResult, error)
	FindByCorrelation(ctx context.Context, correlationID string) ([]*saga.Saga, error)
	FindByTag(ctx context.Context, tag string, page saga.Page) (saga.PageResult, error)
	FindTimedOut(ctx context.Context, now time.Time) ([]*saga.Saga, error)
	FindRetryable(ctx context.Context) ([]*saga.Saga, error)
	BulkUpdateStatus(ctx context.Context, ids []string, newStatus saga.Status) error
	BulkDeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// InMemory is a mutex-guarded map-backed Store, grounded on
// framework/saga/persistence.go's InMemoryPersistence.
type InMemory struct {
	mu    sync.RWMutex
	sagas map[string]*saga.Saga
}

func NewInMemory() *InMemory {
	return &InMemory{sagas: make(map[string]*saga.Saga)}
}

func cloneSaga(s *saga.Saga) *saga.Saga {
	cp := *s
	cp.Steps = make([]*saga.Step, len(s.Steps))
	for i, st := range s.Steps {
		stc := *st
		stc.Config = st.Config.Clone()
		stc.InputData = st.InputData.Clone()
		stc.OutputData = st.OutputData.Clone()
		stc.Attempts = append([]saga.StepAttempt(nil), st.Attempts...)
		cp.Steps[i] = &stc
	}
	cp.InputData = s.InputData.Clone()
	cp.OutputData = s.OutputData.Clone()
	cp.Metadata = s.Metadata.Clone()
	cp.Tags = append([]string(nil), s.Tags...)
	return &cp
}

func (m *InMemory) Save(ctx context.Context, s *saga.Saga) (*saga.Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, found := m.sagas[s.ID]
	if s.Version == 0 {
		if found {
			return nil, errs.New(errs.KindConflict, "saga already exists: "+s.ID)
		}
		stored := cloneSaga(s)
		stored.Version = 1
		m.sagas[s.ID] = stored
		return cloneSaga(stored), nil
	}

	if !found {
		return nil, errs.New(errs.KindNotFound, "saga not found: "+s.ID)
	}
	if existing.Version != s.Version {
		return nil, errs.New(errs.KindStaleVersion, "version mismatch for saga "+s.ID)
	}
	stored := cloneSaga(s)
	stored.Version = existing.Version + 1
	m.sagas[s.ID] = stored
	return cloneSaga(stored), nil
}

func (m *InMemory) Find(ctx context.Context, sagaID string) (*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sagas[sagaID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "saga not found: "+sagaID)
	}
	return cloneSaga(s), nil
}

func (m *InMemory) all() []*saga.Saga {
	out := make([]*saga.Saga, 0, len(m.sagas))
	for _, s := range m.sagas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func paginate(items []*saga.Saga, page saga.Page) saga.PageResult {
	total := len(items)
	limit := page.Limit
	if limit <= 0 {
		limit = total
	}
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	sliced := make([]*saga.Saga, 0, end-start)
	for _, s := range items[start:end] {
		sliced = append(sliced, cloneSaga(s))
	}
	return saga.PageResult{Items: sliced, Total: total}
}

func (m *InMemory) FindByStatus(ctx context.Context, status saga.Status, page saga.Page) (saga.PageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*saga.Saga
	for _, s := range m.all() {
		if s.Status == status {
			matched = append(matched, s)
		}
	}
	return paginate(matched, page), nil
}

func (m *InMemory) FindByCorrelation(ctx context.Context, correlationID string) ([]*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*saga.Saga
	for _, s := range m.all() {
		if s.CorrelationID == correlationID {
			matched = append(matched, cloneSaga(s))
		}
	}
	return matched, nil
}

func (m *InMemory) FindByTag(ctx context.Context, tag string, page saga.Page) (saga.PageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*saga.Saga
	for _, s := range m.all() {
		for _, t := range s.Tags {
			if t == tag {
				matched = append(matched, s)
				break
			}
		}
	}
	return paginate(matched, page), nil
}

func (m *InMemory) FindTimedOut(ctx context.Context, now time.Time) ([]*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*saga.Saga
	for _, s := range m.sagas {
		if (s.Status == saga.StatusRunning || s.Status == saga.StatusRetrying) && s.DeadlineExceeded(now) {
			matched = append(matched, cloneSaga(s))
		}
	}
	return matched, nil
}

func (m *InMemory) FindRetryable(ctx context.Context) ([]*saga.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*saga.Saga
	for _, s := range m.sagas {
		if s.Status == saga.StatusFailed && s.RetryCount < s.MaxRetries {
			matched = append(matched, cloneSaga(s))
		}
	}
	return matched, nil
}

func (m *InMemory) BulkUpdateStatus(ctx context.Context, ids []string, newStatus saga.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.sagas[id]; ok {
			s.Status = newStatus
			s.UpdatedAt = time.Now().UTC()
			s.Version++
		}
	}
	return nil
}

func (m *InMemory) BulkDeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sagas {
		if s.Status.IsTerminal() && s.CompletedAt.Before(cutoff) {
			delete(m.sagas, id)
			n++
		}
	}
	return n, nil
}
