package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"classattend/internal/vision"
)

// Mock values returned when Skip is set.
const (
	mockOpenEAR   = 0.35
	mockClosedEAR = 0.15
	mockComponent = 0.05
)

// Client calls the face detection microservice. It implements vision.Detector.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	mockCalls atomic.Int64
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

type detectRequest struct {
	ImageURL string `json:"image_url,omitempty"`
	Image    []byte `json:"image,omitempty"`
}

type detectResponse struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Faces  []struct {
		Box struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"box"`
		Descriptor []float64 `json:"descriptor"`
		LeftEAR    float64   `json:"left_ear"`
		RightEAR   float64   `json:"right_ear"`
		Score      float64   `json:"score"`
	} `json:"faces"`
}

// Detect finds faces in frame, returning their boxes, descriptors and eye aspect ratios.
func (c *Client) Detect(ctx context.Context, frame vision.Frame) (vision.Detection, error) {
	if c.Skip {
		return c.mock(), nil
	}
	if frame.URL == "" && len(frame.Data) == 0 {
		return vision.Detection{}, fmt.Errorf("image url or data required")
	}

	body, err := json.Marshal(detectRequest{ImageURL: frame.URL, Image: frame.Data})
	if err != nil {
		return vision.Detection{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return vision.Detection{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return vision.Detection{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return vision.Detection{}, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return vision.Detection{}, fmt.Errorf("failed to decode response: %w", err)
	}

	det := vision.Detection{FrameWidth: out.Width, FrameHeight: out.Height}
	for _, f := range out.Faces {
		det.Faces = append(det.Faces, vision.Face{
			Box:        vision.Box{X: f.Box.X, Y: f.Box.Y, Width: f.Box.Width, Height: f.Box.Height},
			Descriptor: f.Descriptor,
			LeftEAR:    f.LeftEAR,
			RightEAR:   f.RightEAR,
			Score:      f.Score,
		})
	}
	return det, nil
}

// mock returns one centered face with a constant descriptor whose eyes
// alternate open and closed on successive calls, so a local run can pass liveness.
func (c *Client) mock() vision.Detection {
	ear := mockOpenEAR
	if c.mockCalls.Add(1)%2 == 0 {
		ear = mockClosedEAR
	}
	desc := make([]float64, 128)
	for i := range desc {
		desc[i] = mockComponent
	}
	return vision.Detection{
		FrameWidth:  640,
		FrameHeight: 480,
		Faces: []vision.Face{{
			Box:        vision.Box{X: 220, Y: 140, Width: 200, Height: 200},
			Descriptor: desc,
			LeftEAR:    ear,
			RightEAR:   ear,
			Score:      0.95,
		}},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
