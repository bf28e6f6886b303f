// Package vision holds the frame and face-detection types shared by the
// liveness and face matching stages. Concrete detection backends live
// behind Detector.
package vision

import (
	"context"
	"io"
	"sync"
	"time"
)

// Frame is one captured camera image. Either Data or URL is set.
type Frame struct {
	Data       []byte
	URL        string
	CapturedAt time.Time
}

// Box is a face bounding box in pixels, origin at the top-left corner.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is a single detected face.
type Face struct {
	Box        Box
	Descriptor []float64
	LeftEAR    float64
	RightEAR   float64
	Score      float64
}

// EAR is the mean eye aspect ratio of both eyes.
func (f Face) EAR() float64 {
	return (f.LeftEAR + f.RightEAR) / 2
}

// Detection is everything a detector found in a frame.
type Detection struct {
	Faces       []Face
	FrameWidth  int
	FrameHeight int
}

// Detector is the face detection capability consumed by the pipeline.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (Detection, error)
}

// Source yields frames one at a time. Next returns io.EOF once no more frames will arrive.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// SliceSource serves a fixed list of frames in order. Safe for concurrent use.
type SliceSource struct {
	mu     sync.Mutex
	frames []Frame
	pos    int
}

// NewSliceSource builds a source over frames.
func NewSliceSource(frames []Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Remaining reports how many frames have not been served yet.
func (s *SliceSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - s.pos
}
