package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classattend/internal/geo"
)

// DefaultTTL is how long a session accepts attendees after creation.
const DefaultTTL = 3 * time.Hour

// payloadLocationSlack is how far an embedded QR location may drift from the stored one.
const payloadLocationSlack = 1.0

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session has been ended")
	ErrSessionExpired  = errors.New("session expired")
	ErrLegacyToken     = errors.New("token carries no location; rescan the current QR code")
	ErrTokenMismatch   = errors.New("token does not match session")
	ErrInvalidSession  = errors.New("teacher and subject are required")
	ErrNotOwner        = errors.New("session belongs to another teacher")
)

// Location is where a session takes place.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

// Point drops the address.
func (l Location) Point() geo.Point {
	return geo.Point{Latitude: l.Latitude, Longitude: l.Longitude}
}

// Attendee is one student marked present in a session.
type Attendee struct {
	StudentID string    `json:"studentId"`
	MarkedAt  time.Time `json:"markedAt"`
}

// Session is an attendance window opened by a teacher at a fixed place.
type Session struct {
	ID        string     `json:"sessionId"`
	TeacherID string     `json:"teacherId"`
	Subject   string     `json:"subject"`
	Location  Location   `json:"location"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Active    bool       `json:"isActive"`
	Attendees []Attendee `json:"attendees"`
}

// HasAttendee reports whether studentID is already marked present.
func (s Session) HasAttendee(studentID string) bool {
	for _, a := range s.Attendees {
		if a.StudentID == studentID {
			return true
		}
	}
	return false
}

// Accepting returns nil while the session can take new attendees at now.
func (s Session) Accepting(now time.Time) error {
	if !s.Active {
		return ErrSessionInactive
	}
	if now.After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// Store persists sessions. Get and End return ErrSessionNotFound for unknown ids.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	End(ctx context.Context, id string) error
}

// Manager issues, validates and ends sessions.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewManager creates a manager; non-positive ttl falls back to DefaultTTL.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateSession opens a session and returns it with its QR payload.
func (m *Manager) CreateSession(ctx context.Context, teacherID, subject string, loc Location) (Session, Payload, error) {
	teacherID = strings.TrimSpace(teacherID)
	subject = strings.TrimSpace(subject)
	if teacherID == "" || subject == "" {
		return Session{}, Payload{}, ErrInvalidSession
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, Payload{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.now().UTC()
	s := Session{
		ID:        id.String(),
		TeacherID: teacherID,
		Subject:   subject,
		Location:  loc,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Active:    true,
		Attendees: []Attendee{},
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, Payload{}, err
	}
	return s, PayloadFor(s), nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// ValidateToken resolves a scanned QR token to a session still accepting attendees.
func (m *Manager) ValidateToken(ctx context.Context, raw string) (Session, error) {
	p, err := ParsePayload(raw)
	if err != nil {
		return Session{}, err
	}
	s, err := m.store.Get(ctx, p.SessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.Accepting(m.now()); err != nil {
		return Session{}, err
	}
	if p.Legacy {
		return Session{}, ErrLegacyToken
	}
	if !p.matches(s) {
		return Session{}, ErrTokenMismatch
	}
	return s, nil
}

// EndSession stops a session from accepting attendees. Ending twice is a no-op.
// An empty teacherID skips the ownership check.
func (m *Manager) EndSession(ctx context.Context, teacherID, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if teacherID != "" && s.TeacherID != teacherID {
		return ErrNotOwner
	}
	if !s.Active {
		return nil
	}
	return m.store.End(ctx, id)
}

func (p Payload) matches(s Session) bool {
	if p.TeacherID != "" && p.TeacherID != s.TeacherID {
		return false
	}
	if p.Subject != "" && p.Subject != s.Subject {
		return false
	}
	if p.Location == nil {
		return false
	}
	return geo.Distance(p.Location.Point(), s.Location.Point()) <= payloadLocationSlack
}
