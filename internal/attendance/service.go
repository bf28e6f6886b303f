package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"classattend/internal/session"
)

// StatusPresent is the only status this pipeline records.
const StatusPresent = "present"

var (
	ErrDuplicate          = errors.New("student already marked present for this session")
	ErrCommitInProgress   = errors.New("another commit for this student is in progress; retry shortly")
	ErrIncompleteEvidence = errors.New("qr, location and face must all be verified before commit")
)

// Student is the authenticated student being marked.
type Student struct {
	ID   string
	Name string
}

// Evidence flags produced by the verification stages.
type Evidence struct {
	QRVerified       bool `json:"qr_verified"`
	LocationVerified bool `json:"location_verified"`
	FaceVerified     bool `json:"face_verified"`
}

// Complete reports whether every stage passed.
func (e Evidence) Complete() bool {
	return e.QRVerified && e.LocationVerified && e.FaceVerified
}

// Record is a committed attendance mark. At most one exists per (SessionID, StudentID).
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	StudentID        string    `json:"student_id"`
	StudentName      string    `json:"student_name"`
	MarkedAt         time.Time `json:"marked_at"`
	LocationVerified bool      `json:"location_verified"`
	QRVerified       bool      `json:"qr_verified"`
	FaceVerified     bool      `json:"face_verified"`
	Status           string    `json:"status"`
}

// Repository is the storage collaborator of the recorder. Append must add the
// attendee and insert the record atomically, returning ErrDuplicate when the
// student is already present and the session errors when it no longer accepts attendees.
type Repository interface {
	Session(ctx context.Context, id string) (session.Session, error)
	Append(ctx context.Context, rec Record) error
	Records(ctx context.Context, sessionID string) ([]Record, error)
}

// Claimer takes short-lived exclusive claims on a key. Claim returns a token that
// Release must present, so an expired claim cannot drop its successor.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Recorder commits verified attendance exactly once per student and session.
type Recorder struct {
	repo     Repository
	claims   Claimer
	claimTTL time.Duration
	now      func() time.Time
}

// NewRecorder creates a recorder. claims may be nil.
func NewRecorder(repo Repository, claims Claimer, claimTTL time.Duration) *Recorder {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Recorder{repo: repo, claims: claims, claimTTL: claimTTL, now: time.Now}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Commit records studentID as present in sessionID.
func (r *Recorder) Commit(ctx context.Context, sessionID string, st Student, ev Evidence) (Record, error) {
	if !ev.Complete() {
		return Record{}, ErrIncompleteEvidence
	}
	if st.ID == "" {
		return Record{}, errors.New("student id required")
	}
	s, err := r.repo.Session(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if s.HasAttendee(st.ID) {
		return Record{}, ErrDuplicate
	}
	now := r.now().UTC()
	if err := s.Accepting(now); err != nil {
		return Record{}, err
	}

	// The claim only keeps a second request off the store while one is in flight.
	// Whether the student is present is decided by Append alone.
	if r.claims != nil {
		key := claimKey(sessionID, st.ID)
		token, ok, err := r.claims.Claim(ctx, key, r.claimTTL)
		switch {
		case err != nil:
			log.Printf("attendance: claim %s unavailable, relying on store: %v", key, err)
		case !ok:
			return Record{}, ErrCommitInProgress
		default:
			defer func() {
				if err := r.claims.Release(context.WithoutCancel(ctx), key, token); err != nil {
					log.Printf("attendance: release claim %s: %v", key, err)
				}
			}()
		}
	}

	rec := Record{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		StudentID:        st.ID,
		StudentName:      st.Name,
		MarkedAt:         now,
		LocationVerified: ev.LocationVerified,
		QRVerified:       ev.QRVerified,
		FaceVerified:     ev.FaceVerified,
		Status:           StatusPresent,
	}
	if err := r.repo.Append(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Records lists the records of a session.
func (r *Recorder) Records(ctx context.Context, sessionID string) ([]Record, error) {
	return r.repo.Records(ctx, sessionID)
}

func claimKey(sessionID, studentID string) string {
	return "attendance:claim:" + sessionID + ":" + studentID
}
