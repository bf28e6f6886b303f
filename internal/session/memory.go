package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionExists is returned when creating a session with a taken id.
var ErrSessionExists = errors.New("session already exists")

// MemoryStore keeps sessions in process memory. Each session has its own lock,
// so updates to different sessions never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
}

type memoryEntry struct {
	mu sync.Mutex
	s  Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryEntry)}
}

// Create stores s.
func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	s.Attendees = append([]Attendee{}, s.Attendees...)
	m.sessions[s.ID] = &memoryEntry{s: s}
	return nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	e := m.entry(id)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// End marks the session inactive.
func (m *MemoryStore) End(ctx context.Context, id string) error {
	return m.Update(ctx, id, func(s *Session) error {
		s.Active = false
		return nil
	})
}

// Update applies fn to the stored session under its lock. The change is kept only if fn returns nil.
func (m *MemoryStore) Update(ctx context.Context, id string, fn func(s *Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := m.entry(id)
	if e == nil {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.s.clone()
	if err := fn(&next); err != nil {
		return err
	}
	e.s = next
	return nil
}

func (m *MemoryStore) entry(id string) *memoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (s Session) clone() Session {
	s.Attendees = append([]Attendee{}, s.Attendees...)
	return s
}
