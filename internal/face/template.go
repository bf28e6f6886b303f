package face

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"classattend/internal/store"
	"classattend/internal/vision"
)

// ErrTemplateNotFound is returned when a student has not registered a face.
var ErrTemplateNotFound = errors.New("no registered face for student")

// Template is the registered descriptor of a student. Re-registration replaces it.
type Template struct {
	StudentID    string    `json:"studentId"`
	Descriptor   []float64 `json:"descriptor"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// TemplateStore persists one template per student.
type TemplateStore interface {
	Template(ctx context.Context, studentID string) (Template, error)
	SaveTemplate(ctx context.Context, t Template) error
}

// Repository persists templates in Postgres with the descriptor as JSONB.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Template loads the active template of studentID.
func (r *Repository) Template(ctx context.Context, studentID string) (Template, error) {
	var (
		t   Template
		raw []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT student_id, descriptor, registered_at FROM face_templates WHERE student_id = $1
	`, studentID).Scan(&t.StudentID, &raw, &t.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrTemplateNotFound
		}
		return Template{}, store.Wrap("get template", err)
	}
	if err := json.Unmarshal(raw, &t.Descriptor); err != nil || len(t.Descriptor) == 0 {
		return Template{}, ErrMalformedDescriptor
	}
	return t, nil
}

// SaveTemplate upserts t; the latest registration wins.
func (r *Repository) SaveTemplate(ctx context.Context, t Template) error {
	raw, err := json.Marshal(t.Descriptor)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO face_templates (student_id, descriptor, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id) DO UPDATE SET
			descriptor = EXCLUDED.descriptor,
			registered_at = EXCLUDED.registered_at
	`, t.StudentID, raw, t.RegisteredAt)
	return store.Wrap("save template", err)
}

// MemoryTemplates is an in-process TemplateStore.
type MemoryTemplates struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewMemoryTemplates creates an empty store.
func NewMemoryTemplates() *MemoryTemplates {
	return &MemoryTemplates{templates: make(map[string]Template)}
}

// Template returns the stored template.
func (m *MemoryTemplates) Template(_ context.Context, studentID string) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[studentID]
	if !ok {
		return Template{}, ErrTemplateNotFound
	}
	t.Descriptor = append([]float64(nil), t.Descriptor...)
	return t, nil
}

// SaveTemplate replaces the student's template.
func (m *MemoryTemplates) SaveTemplate(_ context.Context, t Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Descriptor = append([]float64(nil), t.Descriptor...)
	m.templates[t.StudentID] = t
	return nil
}

// Registrar turns a registration photo into the student's template.
type Registrar struct {
	matcher   *Matcher
	templates TemplateStore
	now       func() time.Time
}

// NewRegistrar creates a registrar.
func NewRegistrar(matcher *Matcher, templates TemplateStore) *Registrar {
	return &Registrar{matcher: matcher, templates: templates, now: time.Now}
}

// Register runs the quality gate, extracts the descriptor and stores it.
func (r *Registrar) Register(ctx context.Context, studentID string, frame vision.Frame) (Template, error) {
	if studentID == "" {
		return Template{}, errors.New("student id required")
	}
	f, err := r.matcher.qualityFace(ctx, frame)
	if err != nil {
		return Template{}, err
	}
	if len(f.Descriptor) != DescriptorSize {
		return Template{}, ErrMalformedDescriptor
	}
	t := Template{StudentID: studentID, Descriptor: f.Descriptor, RegisteredAt: r.now().UTC()}
	if err := r.templates.SaveTemplate(ctx, t); err != nil {
		return Template{}, err
	}
	return t, nil
}
