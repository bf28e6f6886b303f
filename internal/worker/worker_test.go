package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/face"
	"classattend/internal/metrics"
	"classattend/internal/queue"
	"classattend/internal/vision/visiontest"
)

func newWorker(t *testing.T) (*Worker, *visiontest.Detector, *face.MemoryTemplates, *queue.InMemory, prometheus.Gatherer) {
	t.Helper()
	det := visiontest.NewDetector()
	templates := face.NewMemoryTemplates()
	jobs := queue.NewInMemory(8)
	reg := prometheus.NewRegistry()
	w := New(jobs, face.NewRegistrar(face.NewMatcher(det, face.Config{}), templates), metrics.New(reg))
	return w, det, templates, jobs, reg
}

func message(t *testing.T, studentID, url string) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(queue.TypeFaceRegister, queue.FaceRegistration{StudentID: studentID, ImageURL: url, RequestedAt: time.Now()})
	require.NoError(t, err)
	return msg
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	w, det, templates, _, reg := newWorker(t)
	desc := visiontest.Descriptor(0.2)
	det.Set("good", visiontest.Face(desc, 0.35))
	det.Set("crowd", visiontest.Crowd(2, desc))

	require.NoError(t, w.Handle(ctx, message(t, "s-1", "good")))
	tpl, err := templates.Template(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, desc, tpl.Descriptor)

	err = w.Handle(ctx, message(t, "s-2", "crowd"))
	assert.ErrorIs(t, err, face.ErrMultipleFaces)
	_, err = templates.Template(ctx, "s-2")
	assert.ErrorIs(t, err, face.ErrTemplateNotFound)

	err = w.Handle(ctx, queue.Message{Type: "checkin"})
	assert.ErrorIs(t, err, ErrUnknownJob)

	err = w.Handle(ctx, queue.Message{Type: queue.TypeFaceRegister, Body: []byte(`{"student_id":`)})
	assert.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "attendance_face_registrations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "rejected": 1, "malformed": 1}, counts)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	w, det, templates, jobs, _ := newWorker(t)
	det.Set("good", visiontest.Face(visiontest.Descriptor(0.2), 0.35))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, jobs.Publish(ctx, message(t, "s-1", "good")))
	require.Eventually(t, func() bool {
		_, err := templates.Template(context.Background(), "s-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
