// Package api exposes sessions, face registration and attendance verification over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/httpmiddleware"
	"classattend/internal/queue"
	"classattend/internal/session"
)

// RecordLister lists the committed records of a session.
type RecordLister interface {
	Records(ctx context.Context, sessionID string) ([]attendance.Record, error)
}

// Uploader stores registration snapshots and returns their public URL.
type Uploader interface {
	UploadBase64(ctx context.Context, data string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// Deps are the collaborators of the router. Snapshots may be nil.
type Deps struct {
	Sessions  *session.Manager
	Pipeline  *attendance.Pipeline
	Records   RecordLister
	Jobs      queue.Queue
	Snapshots Uploader
	Gatherer  prometheus.Gatherer
	Health    func(ctx context.Context) map[string]bool
}

type server struct {
	cfg config.App
	Deps
}

// NewRouter builds the gin engine.
func NewRouter(cfg config.App, d Deps) *gin.Engine {
	s := &server{cfg: cfg, Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)

	if cfg.Env == "dev" {
		r.POST("/v1/auth/dev-token", s.devToken)
	}

	teacher := r.Group("/v1/sessions", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))
	teacher.POST("", s.createSession)
	teacher.GET("/:id", s.getSession)
	teacher.GET("/:id/qr.png", s.sessionQR)
	teacher.POST("/:id/end", s.endSession)
	teacher.GET("/:id/records", s.sessionRecords)

	student := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))
	student.POST("/faces/register", s.registerFace)
	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	student.POST("/attendance/verify", limiter.GinMiddleware(subject), s.verify)

	return r
}

func subject(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok {
		return claims.Subject
	}
	return c.ClientIP()
}

func (s *server) healthz(c *gin.Context) {
	checks := map[string]bool{}
	if s.Health != nil {
		checks = s.Health(c.Request.Context())
	}
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}

func (s *server) devToken(c *gin.Context) {
	var req struct {
		Subject string `json:"subject" binding:"required"`
		Name    string `json:"name"`
		Role    string `json:"role" binding:"required,oneof=teacher student"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := auth.Issue(req.Subject, req.Name, req.Role, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

// claims returns the caller's claims; Require has already run.
func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.FromContext(c)
	return cl
}

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

const requestTimeout = 30 * time.Second
