package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/session"
	"classattend/internal/store"
)

var room = session.Location{Latitude: 48.8566, Longitude: 2.3522, Address: "Room 204"}

var verified = Evidence{QRVerified: true, LocationVerified: true, FaceVerified: true}

func newSession(t *testing.T, sessions *session.MemoryStore) session.Session {
	t.Helper()
	s, _, err := session.NewManager(sessions, time.Hour).CreateSession(context.Background(), "teacher-1", "Physics", room)
	require.NoError(t, err)
	return s
}

type fakeClaimer struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
	seq      int
}

func newFakeClaimer() *fakeClaimer { return &fakeClaimer{held: map[string]string{}} }

func (f *fakeClaimer) Claim(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if _, ok := f.held[key]; ok {
		return "", false, nil
	}
	f.seq++
	token := fmt.Sprintf("token-%d", f.seq)
	f.held[key] = token
	return token, true, nil
}

func (f *fakeClaimer) Release(_ context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
	}
	f.released = append(f.released, key)
	return nil
}

// stallingRepo holds the first Append until release is closed and then fails it.
type stallingRepo struct {
	*MemoryRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingRepo(sessions *session.MemoryStore) *stallingRepo {
	return &stallingRepo{
		MemoryRepository: NewMemoryRepository(sessions),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
}

func (r *stallingRepo) Append(ctx context.Context, rec Record) error {
	first := false
	r.once.Do(func() { first = true })
	if !first {
		return r.MemoryRepository.Append(ctx, rec)
	}
	close(r.entered)
	<-r.release
	return store.Wrap("append", context.DeadlineExceeded)
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	s := newSession(t, sessions)
	repo := NewMemoryRepository(sessions)
	rec := NewRecorder(repo, nil, 0)

	got, err := rec.Commit(ctx, s.ID, Student{ID: "s-1", Name: "Ada"}, verified)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, s.ID, got.SessionID)
	assert.Equal(t, "s-1", got.StudentID)
	assert.Equal(t, "Ada", got.StudentName)
	assert.Equal(t, StatusPresent, got.Status)
	assert.True(t, got.QRVerified && got.LocationVerified && got.FaceVerified)

	stored, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, stored.Attendees, 1)
	assert.Equal(t, "s-1", stored.Attendees[0].StudentID)
	assert.Equal(t, got.MarkedAt, stored.Attendees[0].MarkedAt)

	_, err = rec.Commit(ctx, s.ID, Student{ID: "s-1", Name: "Ada"}, verified)
	assert.ErrorIs(t, err, ErrDuplicate)

	records, err := rec.Records(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCommitRejections(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	s := newSession(t, sessions)
	ended := newSession(t, sessions)
	require.NoError(t, sessions.End(ctx, ended.ID))

	tests := []struct {
		name      string
		sessionID string
		evidence  Evidence
		now       time.Time
		want      error
	}{
		{"missing face", s.ID, Evidence{QRVerified: true, LocationVerified: true}, time.Now(), ErrIncompleteEvidence},
		{"missing qr", s.ID, Evidence{LocationVerified: true, FaceVerified: true}, time.Now(), ErrIncompleteEvidence},
		{"unknown session", "nope", verified, time.Now(), session.ErrSessionNotFound},
		{"ended session", ended.ID, verified, time.Now(), session.ErrSessionInactive},
		{"expired session", s.ID, verified, s.ExpiresAt.Add(time.Second), session.ErrSessionExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := tt.now
			rec := NewRecorder(NewMemoryRepository(sessions), nil, 0).WithClock(func() time.Time { return now })
			_, err := rec.Commit(ctx, tt.sessionID, Student{ID: "s-9"}, tt.evidence)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attendees)
}

func TestCommitAtMostOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	s := newSession(t, sessions)
	repo := NewMemoryRepository(sessions)
	rec := NewRecorder(repo, nil, 0)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicate):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupes)
	records, err := repo.Records(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Attendees, 1)
}

func TestCommitDistinctStudentsConcurrently(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore()
	s := newSession(t, sessions)
	rec := NewRecorder(NewMemoryRepository(sessions), newFakeClaimer(), time.Second)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rec.Commit(ctx, s.ID, Student{ID: fmt.Sprintf("s-%d", i)}, verified)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Attendees, n)
}

func TestCommitClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("claim held by a failing commit is not a duplicate", func(t *testing.T) {
		sessions := session.NewMemoryStore()
		s := newSession(t, sessions)
		repo := newStallingRepo(sessions)
		rec := NewRecorder(repo, newFakeClaimer(), time.Minute)

		firstErr := make(chan error, 1)
		go func() {
			_, err := rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
			firstErr <- err
		}()
		<-repo.entered

		_, err := rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
		assert.ErrorIs(t, err, ErrCommitInProgress)
		assert.NotErrorIs(t, err, ErrDuplicate)

		close(repo.release)
		assert.ErrorIs(t, <-firstErr, store.ErrStorage)
		got, err := sessions.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Attendees)

		committed, err := rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
		require.NoError(t, err)
		records, err := rec.Records(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, []Record{committed}, records)
	})

	t.Run("claim released after commit", func(t *testing.T) {
		sessions := session.NewMemoryStore()
		s := newSession(t, sessions)
		claims := newFakeClaimer()

		_, err := NewRecorder(NewMemoryRepository(sessions), claims, time.Second).Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
		require.NoError(t, err)
		assert.Equal(t, []string{claimKey(s.ID, "s-1")}, claims.released)
		assert.Empty(t, claims.held)
	})

	t.Run("unavailable claimer falls back to sessions", func(t *testing.T) {
		sessions := session.NewMemoryStore()
		s := newSession(t, sessions)
		claims := newFakeClaimer()
		claims.err = errors.New("connection refused")
		rec := NewRecorder(NewMemoryRepository(sessions), claims, time.Second)

		_, err := rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
		require.NoError(t, err)
		_, err = rec.Commit(ctx, s.ID, Student{ID: "s-1"}, verified)
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}
