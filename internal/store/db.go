package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrStorage marks any persistence-layer fault. Callers decide whether to retry.
var ErrStorage = errors.New("storage failure")

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// Migrate creates the tables used by the session, face and attendance stores.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	teacher_id  TEXT NOT NULL,
	subject     TEXT NOT NULL,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	address     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS session_attendees (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	student_id  TEXT NOT NULL,
	marked_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS attendance_records (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	student_id         TEXT NOT NULL,
	student_name       TEXT NOT NULL DEFAULT '',
	marked_at          TIMESTAMPTZ NOT NULL,
	location_verified  BOOLEAN NOT NULL,
	qr_verified        BOOLEAN NOT NULL,
	face_verified      BOOLEAN NOT NULL,
	status             TEXT NOT NULL DEFAULT 'present',
	UNIQUE (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS face_templates (
	student_id     TEXT PRIMARY KEY,
	descriptor     JSONB NOT NULL,
	registered_at  TIMESTAMPTZ NOT NULL
);
`

// Wrap marks err as a storage failure while keeping the driver error reachable.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
