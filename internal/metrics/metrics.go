package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the verification pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	verifications  *prometheus.CounterVec
	duration       prometheus.Histogram
	livenessFrames prometheus.Histogram
	matchDistance  prometheus.Histogram
	duplicates     prometheus.Counter
	registrations  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "verifications_total",
			Help:      "Verification attempts by final state and the stage they ended in.",
		}, []string{"outcome", "stage"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "verification_duration_seconds",
			Help:      "Wall-clock time of a verification attempt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		livenessFrames: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "liveness_frames",
			Help:      "Frames processed before liveness completed or gave up.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		matchDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "face_match_distance",
			Help:      "Descriptor distance of each detected verification frame.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "duplicate_commits_total",
			Help:      "Commits rejected because the student was already present.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "face_registrations_total",
			Help:      "Face registration jobs by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.verifications, m.duration, m.livenessFrames, m.matchDistance, m.duplicates, m.registrations)
	return m
}

// Verification records the end of an attempt.
func (m *Metrics) Verification(outcome, stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome, stage).Inc()
	m.duration.Observe(took.Seconds())
}

// LivenessFrames records how many frames a liveness run consumed.
func (m *Metrics) LivenessFrames(n int) {
	if m == nil {
		return
	}
	m.livenessFrames.Observe(float64(n))
}

// MatchDistance records a per-frame descriptor distance.
func (m *Metrics) MatchDistance(d float64) {
	if m == nil {
		return
	}
	m.matchDistance.Observe(d)
}

// Duplicate counts a rejected duplicate commit.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Registration counts a processed face registration job.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}
