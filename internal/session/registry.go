package session

import (
	"sort"
	"sync"
)

// Registry maps client ids to open sessions. No I/O happens under its lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

// Register adds s. It fails with ErrDuplicateID when the id is taken.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateID
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Remove deletes id if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Detach removes s only while its id still maps to s. It reports whether
// anything was removed.
func (r *Registry) Detach(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Evict removes and returns the session registered under id. The caller
// closes it.
func (r *Registry) Evict(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByType returns the sessions of one device type ordered by id.
func (r *Registry) ByType(deviceType string) []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.DeviceType == deviceType {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll empties the registry and closes every session it held.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}
