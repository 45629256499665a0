package store

import (
	"sort"
	"sync"
	"time"
)

// Store is the session-keyed registry. One instance is built at startup and
// injected into the components that need it.
type Store interface {
	Create(id string, now time.Time) (*Session, error)
	Insert(s *Session) error
	Get(id string) (*Session, error)
	Delete(id string) (*Session, error)
	List() []*Session
	Close() error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create registers a new Active session. Ids are caller-unique.
func (m *MemoryStore) Create(id string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	s := NewSession(id, now)
	m.sessions[id] = s
	return s, nil
}

// Insert registers a session built by the caller, so it only becomes visible
// once fully set up.
func (m *MemoryStore) Insert(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID()]; exists {
		return ErrSessionExists
	}
	m.sessions[s.ID()] = s
	return nil
}

// Get returns the session or ErrUnknownSession.
func (m *MemoryStore) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Delete removes the session and returns it so the caller can release resources.
func (m *MemoryStore) Delete(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	delete(m.sessions, id)
	return s, nil
}

// List returns all sessions ordered by creation time.
func (m *MemoryStore) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Close drops every session.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	return nil
}
