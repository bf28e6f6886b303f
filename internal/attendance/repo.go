package attendance

import (
	"context"
	"database/sql"

	"classattend/internal/session"
	"classattend/internal/store"
)

// PostgresRepository persists attendance in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Session returns the session with its attendees.
func (r *PostgresRepository) Session(ctx context.Context, id string) (session.Session, error) {
	return session.Load(ctx, r.db, id, false)
}

// Append adds the attendee and the record in one transaction. The session row is
// read FOR SHARE: concurrent commits for other students proceed in parallel while
// ending the session waits for them. The primary key on session_attendees makes a
// concurrent duplicate fail with a unique violation.
func (r *PostgresRepository) Append(ctx context.Context, rec Record) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("begin append", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	s, err := session.Load(ctx, tx, rec.SessionID, true)
	if err != nil {
		return err
	}
	if s.HasAttendee(rec.StudentID) {
		return ErrDuplicate
	}
	if err = s.Accepting(rec.MarkedAt); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO session_attendees (session_id, student_id, marked_at)
		VALUES ($1, $2, $3)
	`, rec.SessionID, rec.StudentID, rec.MarkedAt); err != nil {
		return insertErr("append attendee", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, student_name, marked_at, location_verified, qr_verified, face_verified, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.StudentName, rec.MarkedAt,
		rec.LocationVerified, rec.QRVerified, rec.FaceVerified, rec.Status); err != nil {
		return insertErr("insert record", err)
	}
	if err = tx.Commit(); err != nil {
		return insertErr("commit append", err)
	}
	return nil
}

// Records returns the records of a session, oldest first.
func (r *PostgresRepository) Records(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, student_name, marked_at, location_verified, qr_verified, face_verified, status
		FROM attendance_records WHERE session_id = $1 ORDER BY marked_at
	`, sessionID)
	if err != nil {
		return nil, store.Wrap("list records", err)
	}
	defer rows.Close()
	res := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.StudentName, &rec.MarkedAt,
			&rec.LocationVerified, &rec.QRVerified, &rec.FaceVerified, &rec.Status); err != nil {
			return nil, store.Wrap("scan record", err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list records", err)
	}
	return res, nil
}

func insertErr(op string, err error) error {
	if store.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return store.Wrap(op, err)
}
