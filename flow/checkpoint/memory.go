package checkpoint

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store.
//
// Designed for testing and single-process deployments where suspended
// runs do not need to survive a restart. Thread-safe.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// Save stores the record, replacing any existing record for the run.
func (m *MemStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.RunID] = rec
	return nil
}

// LoadAndClear retrieves and removes the record under one lock, so
// exactly one of any number of concurrent callers receives it.
func (m *MemStore) LoadAndClear(_ context.Context, runID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	delete(m.records, runID)
	return rec, nil
}

// Len returns the number of outstanding records. Intended for tests.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
