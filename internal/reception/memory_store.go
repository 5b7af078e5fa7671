package reception

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process ProcessStore for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]*State
	journals map[string]map[string][]byte
}

var _ ProcessStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:   make(map[string]*State),
		journals: make(map[string]map[string][]byte),
	}
}

func (m *MemoryStore) SaveState(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ID] = st.Clone()
	return nil
}

func (m *MemoryStore) LoadState(_ context.Context, id string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, id)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) DeleteState(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	delete(m.journals, id)
	return nil
}

func (m *MemoryStore) RecordStep(_ context.Context, id, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journals[id]
	if !ok {
		j = make(map[string][]byte)
		m.journals[id] = j
	}
	j[key] = append([]byte(nil), result...)
	return nil
}

func (m *MemoryStore) LookupStep(_ context.Context, id, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.journals[id]
	if !ok {
		return nil, false, nil
	}
	result, ok := j[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), result...), true, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Clone())
	}
	return out, nil
}
