// Package worker processes queued face registrations.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"classattend/internal/face"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/vision"
)

// ErrUnknownJob is returned by Handle for message types the worker does not process.
var ErrUnknownJob = errors.New("unknown job type")

// Registrar builds and stores a student's face template from one photo.
type Registrar interface {
	Register(ctx context.Context, studentID string, frame vision.Frame) (face.Template, error)
}

// Worker consumes registration jobs.
type Worker struct {
	jobs      queue.Queue
	registrar Registrar
	metrics   *metrics.Metrics
}

// New creates a worker. m may be nil.
func New(jobs queue.Queue, registrar Registrar, m *metrics.Metrics) *Worker {
	return &Worker{jobs: jobs, registrar: registrar, metrics: m}
}

// Run handles messages until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.jobs.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	log.Println("worker: started, waiting for messages...")
	for msg := range messages {
		if err := w.Handle(ctx, msg); err != nil {
			log.Printf("worker: %s: %v", msg.Type, err)
		}
	}
	log.Println("worker: stopped")
	return ctx.Err()
}

// Handle processes one message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeFaceRegister {
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.Type)
	}
	var job queue.FaceRegistration
	if err := msg.Decode(&job); err != nil {
		w.metrics.Registration("malformed")
		return fmt.Errorf("decode job: %w", err)
	}
	t, err := w.registrar.Register(ctx, job.StudentID, vision.Frame{URL: job.ImageURL, Data: job.Image})
	if err != nil {
		w.metrics.Registration(result(err))
		return fmt.Errorf("register %s: %w", job.StudentID, err)
	}
	w.metrics.Registration("ok")
	log.Printf("worker: face registered for %s (queued %s)", t.StudentID, job.RequestedAt.Format("15:04:05"))
	return nil
}

func result(err error) string {
	switch {
	case errors.Is(err, face.ErrNoFace), errors.Is(err, face.ErrMultipleFaces),
		errors.Is(err, face.ErrPoorQuality), errors.Is(err, face.ErrMalformedDescriptor):
		return "rejected"
	default:
		return "error"
	}
}
