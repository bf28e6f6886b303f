package attendance

import (
	"context"
	"sync"

	"classattend/internal/session"
)

// MemoryRepository keeps records next to a session.MemoryStore. Appends run under
// the session's own lock, so each session serializes its attendee list independently.
type MemoryRepository struct {
	sessions *session.MemoryStore

	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemoryRepository creates a repository over sessions.
func NewMemoryRepository(sessions *session.MemoryStore) *MemoryRepository {
	return &MemoryRepository{sessions: sessions, records: make(map[string][]Record)}
}

// Session returns the session.
func (m *MemoryRepository) Session(ctx context.Context, id string) (session.Session, error) {
	return m.sessions.Get(ctx, id)
}

// Append adds the attendee and the record atomically.
func (m *MemoryRepository) Append(ctx context.Context, rec Record) error {
	return m.sessions.Update(ctx, rec.SessionID, func(s *session.Session) error {
		if s.HasAttendee(rec.StudentID) {
			return ErrDuplicate
		}
		if err := s.Accepting(rec.MarkedAt); err != nil {
			return err
		}
		s.Attendees = append(s.Attendees, session.Attendee{StudentID: rec.StudentID, MarkedAt: rec.MarkedAt})
		m.mu.Lock()
		m.records[rec.SessionID] = append(m.records[rec.SessionID], rec)
		m.mu.Unlock()
		return nil
	})
}

// Records returns a copy of the session's records.
func (m *MemoryRepository) Records(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record{}, m.records[sessionID]...), nil
}
