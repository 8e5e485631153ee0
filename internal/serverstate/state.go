// Package serverstate tracks the gateway's lifecycle status: not_ready until
// the first device connects, ready while serving, draining on shutdown.
package serverstate

import (
	"sync"
	"sync/atomic"
)

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State holds the status and draining flag. Both fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the state. The default keeps it in memory; a Redis store
// lets several gateway replicas share it.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.Mutex
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// SetState updates the status string. It is ignored once draining began.
func SetState(status string) {
	mu.Lock()
	defer mu.Unlock()
	st := active.Load()
	if st.Draining {
		return
	}
	st.Status = status
	active.Store(st)
}

// GetState returns the current status.
func GetState() string { return current().Load().Status }

// Snapshot returns the full state.
func Snapshot() State { return current().Load() }

// StartDrain marks the gateway as draining.
func StartDrain() {
	mu.Lock()
	defer mu.Unlock()
	active.Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether the gateway is draining.
func IsDraining() bool { return current().Load().Draining }
