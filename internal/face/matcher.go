package face

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"classattend/internal/vision"
)

var (
	ErrNoFace        = errors.New("no face detected")
	ErrMultipleFaces = errors.New("multiple faces detected")
	ErrPoorQuality   = errors.New("poor image quality: move closer and center your face")
)

// MismatchError reports a failed multi-frame verification.
type MismatchError struct {
	AvgConfidence float64
	SuccessRate   float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("face mismatch: avg confidence %.1f, success rate %.0f%%", e.AvgConfidence, e.SuccessRate*100)
}

// Config tunes the matcher.
type Config struct {
	Threshold     float64
	FrameCount    int
	MinMatches    int
	FrameInterval time.Duration
	FrameTimeout  time.Duration
	MinFaceSize   float64
	EdgeMargin    float64
}

// DefaultConfig samples three frames captured at least 300ms apart and needs a
// strict majority under distance 0.45.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.45,
		FrameCount:    3,
		FrameInterval: 300 * time.Millisecond,
		FrameTimeout:  time.Second,
		MinFaceSize:   80,
		EdgeMargin:    4,
	}
}

// Attempt is the per-frame verification result. Timestamp is the capture time of the sampled frame.
type Attempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Detected   bool      `json:"detected"`
	Distance   float64   `json:"distance"`
	Matched    bool      `json:"matched"`
	Confidence float64   `json:"confidence"`
}

// MultiFrameResult aggregates the sampled frames.
type MultiFrameResult struct {
	Success       bool      `json:"success"`
	Matches       int       `json:"matches"`
	Detected      int       `json:"detected"`
	Skipped       int       `json:"skipped"`
	AvgConfidence float64   `json:"avg_confidence"`
	SuccessRate   float64   `json:"success_rate"`
	Attempts      []Attempt `json:"attempts"`
}

// Err returns a *MismatchError for a failed result and nil otherwise.
func (r MultiFrameResult) Err() error {
	if r.Success {
		return nil
	}
	return &MismatchError{AvgConfidence: r.AvgConfidence, SuccessRate: r.SuccessRate}
}

// Matcher verifies a live subject against a stored descriptor.
type Matcher struct {
	detector vision.Detector
	cfg      Config
}

// NewMatcher fills zero config fields from DefaultConfig.
func NewMatcher(detector vision.Detector, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.FrameCount <= 0 {
		cfg.FrameCount = def.FrameCount
	}
	if cfg.MinMatches <= 0 || cfg.MinMatches > cfg.FrameCount {
		cfg.MinMatches = cfg.FrameCount/2 + 1
	}
	if cfg.FrameInterval < 0 {
		cfg.FrameInterval = 0
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = def.FrameTimeout
	}
	if cfg.MinFaceSize <= 0 {
		cfg.MinFaceSize = def.MinFaceSize
	}
	if cfg.EdgeMargin < 0 {
		cfg.EdgeMargin = 0
	}
	return &Matcher{detector: detector, cfg: cfg}
}

// Config returns the effective configuration.
func (m *Matcher) Config() Config { return m.cfg }

// single runs the detector and insists on exactly one face.
func (m *Matcher) single(ctx context.Context, frame vision.Frame) (vision.Face, vision.Detection, error) {
	det, err := m.detector.Detect(ctx, frame)
	if err != nil {
		return vision.Face{}, det, err
	}
	switch len(det.Faces) {
	case 0:
		return vision.Face{}, det, ErrNoFace
	case 1:
		return det.Faces[0], det, nil
	default:
		return vision.Face{}, det, ErrMultipleFaces
	}
}

// Descriptor extracts the descriptor of the only face in frame.
func (m *Matcher) Descriptor(ctx context.Context, frame vision.Frame) ([]float64, error) {
	f, _, err := m.single(ctx, frame)
	if err != nil {
		return nil, err
	}
	if len(f.Descriptor) == 0 {
		return nil, ErrMalformedDescriptor
	}
	return f.Descriptor, nil
}

// CheckQuality rejects frames whose single face is too small or touches the frame edge.
func (m *Matcher) CheckQuality(ctx context.Context, frame vision.Frame) error {
	_, err := m.qualityFace(ctx, frame)
	return err
}

func (m *Matcher) qualityFace(ctx context.Context, frame vision.Frame) (vision.Face, error) {
	f, det, err := m.single(ctx, frame)
	if err != nil {
		return vision.Face{}, err
	}
	b := f.Box
	margin := m.cfg.EdgeMargin
	switch {
	case b.Width < m.cfg.MinFaceSize || b.Height < m.cfg.MinFaceSize:
		return vision.Face{}, ErrPoorQuality
	case b.X < margin || b.Y < margin:
		return vision.Face{}, ErrPoorQuality
	case det.FrameWidth > 0 && b.X+b.Width > float64(det.FrameWidth)-margin:
		return vision.Face{}, ErrPoorQuality
	case det.FrameHeight > 0 && b.Y+b.Height > float64(det.FrameHeight)-margin:
		return vision.Face{}, ErrPoorQuality
	}
	return f, nil
}

// VerifyMultiFrame compares FrameCount frames with stored. Consecutive samples must be
// captured at least FrameInterval apart; frames taken sooner are discarded, so a burst of
// copies of one still counts once. Frames without a usable face, and samples the source
// cannot supply, count as non-matches. Success needs MinMatches matches out of FrameCount.
// Multiple faces abort with ErrMultipleFaces.
func (m *Matcher) VerifyMultiFrame(ctx context.Context, src vision.Source, stored []float64) (MultiFrameResult, error) {
	if len(stored) == 0 {
		return MultiFrameResult{}, ErrMalformedDescriptor
	}
	res := MultiFrameResult{Attempts: make([]Attempt, 0, m.cfg.FrameCount)}
	var (
		confSum   float64
		prev      time.Time
		exhausted bool
	)

	for i := 0; i < m.cfg.FrameCount; i++ {
		var att Attempt
		if !exhausted {
			desc, at, skipped, err := m.sample(ctx, src, prev)
			res.Skipped += skipped
			if !at.IsZero() {
				att.Timestamp = at
				prev = at
			}
			switch {
			case err == nil:
				cmp, cerr := Compare(desc, stored, m.cfg.Threshold)
				if cerr != nil {
					return res, cerr
				}
				att.Detected = true
				att.Distance = cmp.Distance
				att.Matched = cmp.Match
				att.Confidence = cmp.Confidence
			case errors.Is(err, ErrMultipleFaces):
				return res, err
			case ctx.Err() != nil:
				return res, ctx.Err()
			case errors.Is(err, io.EOF):
				exhausted = true
			}
		}
		if att.Detected {
			res.Detected++
			confSum += att.Confidence
			if att.Matched {
				res.Matches++
			}
		}
		res.Attempts = append(res.Attempts, att)
	}

	if res.Detected > 0 {
		res.AvgConfidence = confSum / float64(res.Detected)
		res.SuccessRate = float64(res.Matches) / float64(res.Detected)
	}
	res.Success = res.Matches >= m.cfg.MinMatches
	return res, nil
}

// sample takes the next frame captured at least FrameInterval after prev and extracts
// its descriptor. It returns the capture time of the frame it used and how many
// frames it discarded as too close to prev.
func (m *Matcher) sample(ctx context.Context, src vision.Source, prev time.Time) ([]float64, time.Time, int, error) {
	frameCtx, cancel := context.WithTimeout(ctx, m.cfg.FrameTimeout+m.cfg.FrameInterval)
	defer cancel()
	skipped := 0
	for {
		frame, err := src.Next(frameCtx)
		if err != nil {
			return nil, time.Time{}, skipped, err
		}
		at := frame.CapturedAt
		if at.IsZero() {
			at = time.Now()
		}
		if !prev.IsZero() && at.Sub(prev) < m.cfg.FrameInterval {
			skipped++
			continue
		}
		desc, err := m.Descriptor(frameCtx, frame)
		return desc, at, skipped, err
	}
}
