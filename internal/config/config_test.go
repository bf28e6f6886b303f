package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 3*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 50.0, cfg.GeofenceToleranceMeters)
	assert.Equal(t, 0.3, cfg.Liveness.OpenThreshold)
	assert.Equal(t, 0.2, cfg.Liveness.ClosedThreshold)
	assert.Equal(t, 10*time.Second, cfg.Liveness.Budget)
	assert.Equal(t, 0.45, cfg.Face.Threshold)
	assert.Equal(t, 3, cfg.Face.FrameCount)
	assert.False(t, cfg.Memory())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SESSION_TTL", "90m")
	t.Setenv("GEOFENCE_TOLERANCE_METERS", "75.5")
	t.Setenv("FACE_MIN_MATCHES", "3")
	t.Setenv("FACE_SKIP", "false")

	cfg := Load()
	assert.True(t, cfg.Memory())
	assert.Equal(t, 90*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 75.5, cfg.GeofenceToleranceMeters)
	assert.Equal(t, 3, cfg.Face.MinMatches)
	assert.False(t, cfg.FaceSkip)
}

func TestLoadInvalidFallsBack(t *testing.T) {
	t.Setenv("SESSION_TTL", "soon")
	t.Setenv("FACE_THRESHOLD", "tight")
	t.Setenv("LIVENESS_MAX_FRAMES", "many")
	t.Setenv("FACE_SKIP", "maybe")

	cfg := Load()
	assert.Equal(t, 3*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 0.45, cfg.Face.Threshold)
	assert.Equal(t, 100, cfg.Liveness.MaxFrames)
	assert.True(t, cfg.FaceSkip)
}
