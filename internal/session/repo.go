package session

import (
	"context"
	"database/sql"
	"errors"

	"classattend/internal/store"
)

// Repository persists sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new session.
func (r *Repository) Create(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, teacher_id, subject, latitude, longitude, address, created_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.TeacherID, s.Subject, s.Location.Latitude, s.Location.Longitude, s.Location.Address, s.CreatedAt, s.ExpiresAt, s.Active)
	return store.Wrap("create session", err)
}

// Get returns a session and its attendees.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	return Load(ctx, r.db, id, false)
}

// End marks a session inactive.
func (r *Repository) End(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return store.Wrap("end session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap("end session", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads a session with its attendees. With share set, the session row is
// locked FOR SHARE so it cannot be ended until the surrounding transaction finishes.
func Load(ctx context.Context, q Querier, id string, share bool) (Session, error) {
	query := `
		SELECT id, teacher_id, subject, latitude, longitude, address, created_at, expires_at, is_active
		FROM sessions WHERE id = $1`
	if share {
		query += ` FOR SHARE`
	}
	var s Session
	err := q.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.TeacherID, &s.Subject, &s.Location.Latitude, &s.Location.Longitude,
		&s.Location.Address, &s.CreatedAt, &s.ExpiresAt, &s.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, store.Wrap("get session", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT student_id, marked_at FROM session_attendees
		WHERE session_id = $1 ORDER BY marked_at
	`, id)
	if err != nil {
		return Session{}, store.Wrap("list attendees", err)
	}
	defer rows.Close()
	s.Attendees = []Attendee{}
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.StudentID, &a.MarkedAt); err != nil {
			return Session{}, store.Wrap("scan attendee", err)
		}
		s.Attendees = append(s.Attendees, a)
	}
	if err := rows.Err(); err != nil {
		return Session{}, store.Wrap("list attendees", err)
	}
	return s, nil
}
