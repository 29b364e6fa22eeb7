package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline"
)

// MemoryStore is an in-memory run store for testing and single-process
// deployments. Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*pipeline.Run
	closed bool
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*pipeline.Run),
	}
}

// SaveRun implements Store.
func (m *MemoryStore) SaveRun(_ context.Context, run *pipeline.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if run == nil {
		return pipeline.ErrNilRun
	}

	// Clone so the caller can keep mutating its copy.
	m.runs[run.ID] = run.Clone()
	return nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context, f Filter) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*pipeline.Run, 0)
	for _, run := range m.runs {
		if f.OrganizationID != "" && run.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		matched = append(matched, run.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(_ context.Context) ([]*pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	active := make([]*pipeline.Run, 0)
	for _, run := range m.runs {
		if !run.Status.Terminal() {
			active = append(active, run.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active, nil
}

// PurgeTerminal implements Store.
func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	var purged int64
	for id, run := range m.runs {
		if run.Status.Terminal() && run.UpdatedAt.Before(before) {
			delete(m.runs, id)
			purged++
		}
	}
	return purged, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.runs = nil
	return nil
}

// Len returns the number of stored runs. Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}
