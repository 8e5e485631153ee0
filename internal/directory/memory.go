package directory

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]Record)}
}

func (m *memoryStore) Put(_ context.Context, r Record) error {
	m.mu.Lock()
	m.records[r.ClientID] = r
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}
