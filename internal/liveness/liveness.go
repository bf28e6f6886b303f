// Package liveness asserts that a live person blinked in front of the camera.
//
// Eye aperture is tracked as the eye aspect ratio (EAR) reported by the face
// detector. A blink counts only after open eyes were seen first, so a still
// photograph with closed eyes can never pass.
package liveness

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"classattend/internal/vision"
)

// ErrTimeout is returned when no blink was observed within the frame or time budget.
var ErrTimeout = errors.New("liveness timeout: no blink observed")

// State is a step of the blink state machine.
type State int

const (
	Detecting State = iota
	EyesOpen
	BlinkObserved
	Complete
)

func (s State) String() string {
	switch s {
	case Detecting:
		return "detecting"
	case EyesOpen:
		return "eyes_open"
	case BlinkObserved:
		return "blink_observed"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Tracker is the pure blink state machine.
type Tracker struct {
	OpenThreshold   float64
	ClosedThreshold float64

	state   State
	history []State
}

// NewTracker returns a tracker in Detecting.
func NewTracker(open, closed float64) *Tracker {
	return &Tracker{OpenThreshold: open, ClosedThreshold: closed, history: []State{Detecting}}
}

// State returns the current state.
func (t *Tracker) State() State { return t.state }

// History returns every state entered, in order.
func (t *Tracker) History() []State { return append([]State(nil), t.history...) }

// Observe feeds one eye aspect ratio and returns the resulting state.
func (t *Tracker) Observe(ear float64) State {
	switch t.state {
	case Detecting:
		if ear > t.OpenThreshold {
			t.enter(EyesOpen)
		}
	case EyesOpen:
		if ear < t.ClosedThreshold {
			t.enter(BlinkObserved)
			t.enter(Complete)
		}
	}
	return t.state
}

func (t *Tracker) enter(s State) {
	t.state = s
	t.history = append(t.history, s)
}

// Config bounds a liveness run.
type Config struct {
	OpenThreshold   float64
	ClosedThreshold float64
	MaxFrames       int
	Interval        time.Duration
	FrameTimeout    time.Duration
	Budget          time.Duration
}

// DefaultConfig allows up to 100 frames at ~10 fps within 10 seconds.
func DefaultConfig() Config {
	return Config{
		OpenThreshold:   0.3,
		ClosedThreshold: 0.2,
		MaxFrames:       100,
		Interval:        100 * time.Millisecond,
		FrameTimeout:    time.Second,
		Budget:          10 * time.Second,
	}
}

// Result summarizes a liveness run.
type Result struct {
	Live      bool          `json:"live"`
	State     string        `json:"state"`
	Frames    int           `json:"frames"`
	Skipped   int           `json:"skipped"`
	BlinkedAt time.Time     `json:"blinked_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Detector runs the blink state machine over a frame source.
type Detector struct {
	faces vision.Detector
	cfg   Config
}

// NewDetector fills zero config fields from DefaultConfig.
func NewDetector(faces vision.Detector, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.OpenThreshold <= 0 {
		cfg.OpenThreshold = def.OpenThreshold
	}
	if cfg.ClosedThreshold <= 0 || cfg.ClosedThreshold >= cfg.OpenThreshold {
		cfg.ClosedThreshold = def.ClosedThreshold
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = def.FrameTimeout
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	return &Detector{faces: faces, cfg: cfg}
}

// Run processes frames one at a time until a blink completes the check, the
// frame or time budget runs out (ErrTimeout), or ctx is cancelled (ctx.Err()).
func (d *Detector) Run(ctx context.Context, src vision.Source) (Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	tracker := NewTracker(d.cfg.OpenThreshold, d.cfg.ClosedThreshold)
	res := Result{}
	finish := func(err error) (Result, error) {
		res.State = tracker.State().String()
		res.Duration = time.Since(start)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, err
	}

	for i := 0; i < d.cfg.MaxFrames; i++ {
		if i > 0 && !wait(runCtx, d.cfg.Interval) {
			return finish(ErrTimeout)
		}
		ear, err := d.step(runCtx, src)
		if err != nil {
			if errors.Is(err, io.EOF) || runCtx.Err() != nil {
				return finish(ErrTimeout)
			}
			res.Skipped++
			continue
		}
		res.Frames++
		if tracker.Observe(ear) == Complete {
			res.Live = true
			res.BlinkedAt = time.Now()
			return finish(nil)
		}
	}
	return finish(ErrTimeout)
}

// step fetches and measures one frame under the per-frame timeout.
func (d *Detector) step(ctx context.Context, src vision.Source) (float64, error) {
	frameCtx, cancel := context.WithTimeout(ctx, d.cfg.FrameTimeout)
	defer cancel()

	frame, err := src.Next(frameCtx)
	if err != nil {
		return 0, err
	}
	det, err := d.faces.Detect(frameCtx, frame)
	if err != nil {
		log.Printf("liveness: frame skipped: %v", err)
		return 0, err
	}
	if len(det.Faces) != 1 {
		return 0, errFaceCount
	}
	return det.Faces[0].EAR(), nil
}

var errFaceCount = errors.New("expected exactly one face")

// wait yields for d, returning false if ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
