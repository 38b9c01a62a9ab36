package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used by tests and single-process runs.
// It enforces the same compare-and-swap semantics as the NATS KV store.
type Memory struct {
	mu       sync.Mutex
	records  map[string]memEntry
	corr     map[string]Ref
	subtasks map[string]Ref
}

type memEntry struct {
	value   []byte
	version uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]memEntry),
		corr:     make(map[string]Ref),
		subtasks: make(map[string]Ref),
	}
}

func recordKey(kind Kind, key string) string {
	return string(kind) + "/" + key
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, kind Kind, key string, value []byte, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey(kind, key)
	entry, exists := m.records[k]

	if expectedVersion == 0 {
		if exists {
			return 0, ErrVersionConflict
		}
		stored := make([]byte, len(value))
		copy(stored, value)
		m.records[k] = memEntry{value: stored, version: 1}
		return 1, nil
	}

	if !exists {
		return 0, ErrNotFound
	}
	if entry.version != expectedVersion {
		return 0, ErrVersionConflict
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	next := entry.version + 1
	m.records[k] = memEntry{value: stored, version: next}
	return next, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, kind Kind, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.records[recordKey(kind, key)]
	if !exists {
		return nil, 0, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, entry.version, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, kind Kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordKey(kind, key))
	return nil
}

// IndexCorrelation implements Store.
func (m *Memory) IndexCorrelation(_ context.Context, correlationID string, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.corr[correlationID]; exists {
		return ErrVersionConflict
	}
	m.corr[correlationID] = ref
	return nil
}

// FindByCorrelation implements Store.
func (m *Memory) FindByCorrelation(_ context.Context, correlationID string) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, exists := m.corr[correlationID]
	if !exists {
		return Ref{}, ErrNotFound
	}
	return ref, nil
}

// IndexSubtask implements Store.
func (m *Memory) IndexSubtask(_ context.Context, subtaskCorrelationID string, parent Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subtasks[subtaskCorrelationID]; exists {
		return ErrVersionConflict
	}
	m.subtasks[subtaskCorrelationID] = parent
	return nil
}

// FindBySubtask implements Store.
func (m *Memory) FindBySubtask(_ context.Context, subtaskCorrelationID string) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, exists := m.subtasks[subtaskCorrelationID]
	if !exists {
		return Ref{}, ErrNotFound
	}
	return ref, nil
}

// RemoveCorrelation implements Store.
func (m *Memory) RemoveCorrelation(_ context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.corr, correlationID)
	return nil
}
