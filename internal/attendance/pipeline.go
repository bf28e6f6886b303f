package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"classattend/internal/face"
	"classattend/internal/geo"
	"classattend/internal/geofence"
	"classattend/internal/liveness"
	"classattend/internal/metrics"
	"classattend/internal/session"
	"classattend/internal/vision"
)

// State is a step of one verification attempt.
type State string

const (
	StateValidatingToken  State = "validating_token"
	StateCheckingLocation State = "checking_location"
	StateCapturing        State = "capturing"
	StateLivenessChecking State = "liveness_checking"
	StateVerifying        State = "verifying"
	StateCommitting       State = "committing"
	StateCommitted        State = "committed"
	StateFailed           State = "failed"
)

var transitions = map[State][]State{
	StateValidatingToken:  {StateCheckingLocation, StateFailed},
	StateCheckingLocation: {StateCapturing, StateFailed},
	StateCapturing:        {StateLivenessChecking, StateFailed},
	StateLivenessChecking: {StateVerifying, StateFailed},
	StateVerifying:        {StateCommitting, StateFailed},
	StateCommitting:       {StateCommitted, StateFailed},
}

// CanTransition reports whether an attempt may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt is the state of one verification run.
type Attempt struct {
	State     State
	FailedIn  State
	Err       error
	SessionID string
	Evidence  Evidence
	Geofence  *geofence.Result
	Liveness  *liveness.Result
	Match     *face.MultiFrameResult
	Record    *Record
	StartedAt time.Time
	Took      time.Duration
}

func newAttempt(now time.Time) *Attempt {
	return &Attempt{State: StateValidatingToken, StartedAt: now}
}

func (a *Attempt) advance(to State) {
	if !CanTransition(a.State, to) {
		panic(fmt.Sprintf("attendance: illegal transition %s -> %s", a.State, to))
	}
	a.State = to
}

func (a *Attempt) fail(err error) {
	a.FailedIn = a.State
	a.Err = err
	a.advance(StateFailed)
}

// Succeeded reports whether the attempt produced a record.
func (a Attempt) Succeeded() bool { return a.State == StateCommitted }

type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (session.Session, error)
}

type LocationChecker interface {
	Check(student geofence.Fix, site geo.Point) geofence.Result
}

type LivenessChecker interface {
	Run(ctx context.Context, src vision.Source) (liveness.Result, error)
}

type FaceVerifier interface {
	CheckQuality(ctx context.Context, frame vision.Frame) error
	VerifyMultiFrame(ctx context.Context, src vision.Source, stored []float64) (face.MultiFrameResult, error)
}

type Committer interface {
	Commit(ctx context.Context, sessionID string, st Student, ev Evidence) (Record, error)
}

// Request is one student's verification input. Frames supplies the camera
// frames in order: the first goes to the quality gate, then liveness, then matching.
type Request struct {
	Token    string
	Student  Student
	Location geofence.Fix
	Frames   vision.Source
}

// Pipeline runs token, location, liveness and face checks and commits on success.
// Each stage short-circuits: a failure stops the attempt before any later stage runs.
type Pipeline struct {
	tokens    TokenValidator
	locations LocationChecker
	live      LivenessChecker
	faces     FaceVerifier
	templates face.TemplateStore
	commits   Committer
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPipeline wires the stages. m may be nil.
func NewPipeline(tokens TokenValidator, locations LocationChecker, live LivenessChecker,
	faces FaceVerifier, templates face.TemplateStore, commits Committer, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		tokens:    tokens,
		locations: locations,
		live:      live,
		faces:     faces,
		templates: templates,
		commits:   commits,
		metrics:   m,
		now:       time.Now,
	}
}

// Run executes one attempt to completion and returns its final state.
func (p *Pipeline) Run(ctx context.Context, req Request) Attempt {
	a := newAttempt(p.now())
	p.run(ctx, a, req)
	a.Took = p.now().Sub(a.StartedAt)
	p.observe(a)
	return *a
}

func (p *Pipeline) run(ctx context.Context, a *Attempt, req Request) {
	if err := ctx.Err(); err != nil {
		a.fail(err)
		return
	}
	s, err := p.tokens.ValidateToken(ctx, req.Token)
	if err != nil {
		a.fail(err)
		return
	}
	a.SessionID = s.ID
	a.Evidence.QRVerified = true
	a.advance(StateCheckingLocation)

	res := p.locations.Check(req.Location, s.Location.Point())
	a.Geofence = &res
	if err := res.Err(); err != nil {
		a.fail(err)
		return
	}
	a.Evidence.LocationVerified = true
	if err := ctx.Err(); err != nil {
		a.fail(err)
		return
	}
	a.advance(StateCapturing)

	tpl, err := p.templates.Template(ctx, req.Student.ID)
	if err != nil {
		a.fail(err)
		return
	}
	first, err := req.Frames.Next(ctx)
	if errors.Is(err, io.EOF) {
		a.fail(face.ErrNoFace)
		return
	}
	if err != nil {
		a.fail(err)
		return
	}
	if err := p.faces.CheckQuality(ctx, first); err != nil {
		a.fail(err)
		return
	}
	a.advance(StateLivenessChecking)

	lr, err := p.live.Run(ctx, req.Frames)
	a.Liveness = &lr
	if err != nil {
		a.fail(err)
		return
	}
	if !lr.Live {
		a.fail(liveness.ErrTimeout)
		return
	}
	a.advance(StateVerifying)

	mr, err := p.faces.VerifyMultiFrame(ctx, req.Frames, tpl.Descriptor)
	a.Match = &mr
	if err != nil {
		a.fail(err)
		return
	}
	if err := mr.Err(); err != nil {
		a.fail(err)
		return
	}
	a.Evidence.FaceVerified = true
	if err := ctx.Err(); err != nil {
		a.fail(err)
		return
	}
	a.advance(StateCommitting)

	rec, err := p.commits.Commit(ctx, s.ID, req.Student, a.Evidence)
	if err != nil {
		a.fail(err)
		return
	}
	a.Record = &rec
	a.advance(StateCommitted)
}

func (p *Pipeline) observe(a *Attempt) {
	if a.Liveness != nil {
		p.metrics.LivenessFrames(a.Liveness.Frames)
	}
	if a.Match != nil {
		for _, at := range a.Match.Attempts {
			if at.Detected {
				p.metrics.MatchDistance(at.Distance)
			}
		}
	}
	if a.Succeeded() {
		p.metrics.Verification("committed", string(StateCommitted), a.Took)
		log.Printf("attendance: student %s marked present in %s (%s)", a.Record.StudentID, a.SessionID, a.Took)
		return
	}
	if errors.Is(a.Err, ErrDuplicate) {
		p.metrics.Duplicate()
	}
	p.metrics.Verification(Outcome(a.Err), string(a.FailedIn), a.Took)
	log.Printf("attendance: attempt failed in %s: %v", a.FailedIn, a.Err)
}

// Outcome is a short label for a failure, used in metrics and API responses.
func Outcome(err error) string {
	var violation *geofence.ViolationError
	var mismatch *face.MismatchError
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, session.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, session.ErrSessionInactive):
		return "session_inactive"
	case errors.Is(err, session.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, session.ErrLegacyToken), errors.Is(err, session.ErrTokenMismatch), errors.Is(err, session.ErrMalformedToken):
		return "invalid_token"
	case errors.As(err, &violation):
		return "geofence_violation"
	case errors.Is(err, liveness.ErrTimeout):
		return "liveness_timeout"
	case errors.Is(err, face.ErrNoFace):
		return "no_face"
	case errors.Is(err, face.ErrMultipleFaces):
		return "multiple_faces"
	case errors.Is(err, face.ErrPoorQuality):
		return "poor_quality"
	case errors.Is(err, face.ErrTemplateNotFound):
		return "face_not_registered"
	case errors.As(err, &mismatch):
		return "face_mismatch"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrCommitInProgress):
		return "commit_in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
