// Package visiontest provides scripted detectors and frame sources for tests.
package visiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classattend/internal/vision"
)

// ErrUnscripted is returned for frames the detector has no script for.
var ErrUnscripted = errors.New("visiontest: unscripted frame")

// Detector answers Detect from a script keyed by Frame.URL and counts calls.
type Detector struct {
	mu      sync.Mutex
	results map[string]vision.Detection
	errs    map[string]error
	calls   int
}

// NewDetector creates an empty scripted detector.
func NewDetector() *Detector {
	return &Detector{results: map[string]vision.Detection{}, errs: map[string]error{}}
}

// Detect implements vision.Detector.
func (d *Detector) Detect(ctx context.Context, f vision.Frame) (vision.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if err := ctx.Err(); err != nil {
		return vision.Detection{}, err
	}
	if err, ok := d.errs[f.URL]; ok {
		return vision.Detection{}, err
	}
	det, ok := d.results[f.URL]
	if !ok {
		return vision.Detection{}, ErrUnscripted
	}
	return det, nil
}

// Calls returns how many times Detect ran.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Set scripts the detection returned for url.
func (d *Detector) Set(url string, det vision.Detection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[url] = det
}

// Fail scripts an error for url.
func (d *Detector) Fail(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[url] = err
}

// Frame width and height used by scripted detections.
const (
	FrameWidth  = 640
	FrameHeight = 480
)

// CenteredBox is a comfortably sized face box in the middle of the frame.
var CenteredBox = vision.Box{X: 220, Y: 140, Width: 200, Height: 200}

// Face builds a well-framed face with the given descriptor and eye aspect ratio.
func Face(descriptor []float64, ear float64) vision.Detection {
	return vision.Detection{
		FrameWidth:  FrameWidth,
		FrameHeight: FrameHeight,
		Faces: []vision.Face{{
			Box:        CenteredBox,
			Descriptor: descriptor,
			LeftEAR:    ear,
			RightEAR:   ear,
			Score:      0.99,
		}},
	}
}

// Empty is a detection with no faces.
func Empty() vision.Detection {
	return vision.Detection{FrameWidth: FrameWidth, FrameHeight: FrameHeight}
}

// Crowd is a detection with n identical faces.
func Crowd(n int, descriptor []float64) vision.Detection {
	det := Empty()
	for i := 0; i < n; i++ {
		det.Faces = append(det.Faces, Face(descriptor, 0.35).Faces[0])
	}
	return det
}

// Epoch is the capture time of the first scripted frame.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// FrameSpacing separates the capture times of consecutive scripted frames.
const FrameSpacing = 500 * time.Millisecond

// Frames returns frames whose URLs are prefix-0, prefix-1, ... captured FrameSpacing apart from Epoch.
func Frames(prefix string, n int) []vision.Frame {
	out := make([]vision.Frame, n)
	for i := range out {
		out[i] = vision.Frame{
			URL:        fmt.Sprintf("%s-%d", prefix, i),
			CapturedAt: Epoch.Add(time.Duration(i) * FrameSpacing),
		}
	}
	return out
}

// Script registers one detection per frame, in order, and returns the frames.
func (d *Detector) Script(prefix string, dets ...vision.Detection) []vision.Frame {
	frames := Frames(prefix, len(dets))
	for i, det := range dets {
		d.Set(frames[i].URL, det)
	}
	return frames
}

// Descriptor returns a 128-dim vector whose components are all v.
func Descriptor(v float64) []float64 {
	out := make([]float64, 128)
	for i := range out {
		out[i] = v
	}
	return out
}

// Offset returns a copy of base moved by exactly dist in Euclidean distance.
func Offset(base []float64, dist float64) []float64 {
	out := append([]float64(nil), base...)
	out[0] += dist
	return out
}

// BlockingSource never yields a frame; Next returns only when ctx ends.
type BlockingSource struct{}

// Next waits for ctx.
func (BlockingSource) Next(ctx context.Context) (vision.Frame, error) {
	<-ctx.Done()
	return vision.Frame{}, ctx.Err()
}
