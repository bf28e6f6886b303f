package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
	"classattend/internal/cloudinary"
	"classattend/internal/face"
	"classattend/internal/geo"
	"classattend/internal/geofence"
	"classattend/internal/liveness"
	"classattend/internal/queue"
	"classattend/internal/store"
	"classattend/internal/vision"
)

type frameRequest struct {
	Image      string    `json:"image" binding:"required"`
	CapturedAt time.Time `json:"captured_at" binding:"required"`
}

type verifyRequest struct {
	Token    string `json:"token" binding:"required"`
	Location struct {
		Latitude  *float64 `json:"latitude" binding:"required,min=-90,max=90"`
		Longitude *float64 `json:"longitude" binding:"required,min=-180,max=180"`
		Accuracy  float64  `json:"accuracy" binding:"min=0"`
	} `json:"location" binding:"required"`
	Frames []frameRequest `json:"frames" binding:"required,min=1,max=200,dive"`
}

type verifyResponse struct {
	Status   string                 `json:"status"`
	Reason   string                 `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Stage    attendance.State       `json:"stage,omitempty"`
	Evidence attendance.Evidence    `json:"evidence"`
	Record   *attendance.Record     `json:"record,omitempty"`
	Geofence *geofence.Result       `json:"geofence,omitempty"`
	Liveness *liveness.Result       `json:"liveness,omitempty"`
	Match    *face.MultiFrameResult `json:"match,omitempty"`
}

func (s *server) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	frames := make([]vision.Frame, 0, len(req.Frames))
	for i, f := range req.Frames {
		data, err := decodeImage(f.Image)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, fmt.Errorf("frame %d: %w", i, err))
			return
		}
		frames = append(frames, vision.Frame{Data: data, CapturedAt: f.CapturedAt})
	}

	cl := claims(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	a := s.Pipeline.Run(ctx, attendance.Request{
		Token:   req.Token,
		Student: attendance.Student{ID: cl.Subject, Name: cl.Name},
		Location: geofence.Fix{
			Point:    geo.Point{Latitude: *req.Location.Latitude, Longitude: *req.Location.Longitude},
			Accuracy: req.Location.Accuracy,
		},
		Frames: vision.NewSliceSource(frames),
	})

	resp := verifyResponse{
		Status:   string(a.State),
		Evidence: a.Evidence,
		Record:   a.Record,
		Geofence: a.Geofence,
		Liveness: a.Liveness,
		Match:    a.Match,
	}
	if a.Succeeded() {
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.Stage = a.FailedIn
	resp.Reason = attendance.Outcome(a.Err)
	status := verifyStatus(a.Err)
	if errors.Is(a.Err, attendance.ErrCommitInProgress) {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		log.Printf("api: verify for %s failed: %v", cl.Subject, a.Err)
		resp.Error = "internal error"
		if errors.Is(a.Err, store.ErrStorage) {
			resp.Error = "storage unavailable"
		}
	} else {
		resp.Error = a.Err.Error()
	}
	c.JSON(status, resp)
}

func verifyStatus(err error) int {
	switch {
	case errors.Is(err, attendance.ErrDuplicate), errors.Is(err, attendance.ErrCommitInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case attendance.Outcome(err) == "error":
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *server) registerFace(c *gin.Context) {
	var req struct {
		Image    string `json:"image"`
		ImageURL string `json:"image_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	if req.Image == "" && req.ImageURL == "" {
		errorJSON(c, http.StatusBadRequest, errors.New("image or image_url required"))
		return
	}

	job := queue.FaceRegistration{StudentID: claims(c).Subject, ImageURL: req.ImageURL, RequestedAt: time.Now().UTC()}
	if req.Image != "" {
		data, err := decodeImage(req.Image)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		if s.Snapshots == nil {
			job.Image = data
		} else {
			url, err := s.upload(c.Request.Context(), job.StudentID, req.Image, data)
			if err != nil {
				log.Printf("api: snapshot upload failed: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
				return
			}
			job.ImageURL = url
		}
	}

	msg, err := queue.NewMessage(queue.TypeFaceRegister, job)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.Jobs.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("api: queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registration queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "student_id": job.StudentID, "image_url": job.ImageURL})
}

// upload stores a registration photo. Data URLs keep their declared type.
func (s *server) upload(ctx context.Context, studentID, raw string, data []byte) (string, error) {
	var (
		res *cloudinary.UploadResult
		err error
	)
	if strings.HasPrefix(raw, "data:") {
		res, err = s.Snapshots.UploadBase64(ctx, raw)
	} else {
		res, err = s.Snapshots.UploadBytes(ctx, data, studentID+".jpg")
	}
	if err != nil {
		return "", err
	}
	return res.SecureURL, nil
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("image is not base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}
