package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"classattend/internal/session"
	"classattend/internal/store"
)

const qrSize = 512

type sessionResponse struct {
	Session session.Session `json:"session"`
	Token   string          `json:"token"`
}

func (s *server) createSession(c *gin.Context) {
	var req struct {
		Subject  string `json:"subject" binding:"required"`
		Location struct {
			Latitude  *float64 `json:"latitude" binding:"required,min=-90,max=90"`
			Longitude *float64 `json:"longitude" binding:"required,min=-180,max=180"`
			Address   string   `json:"address"`
		} `json:"location" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	loc := session.Location{
		Latitude:  *req.Location.Latitude,
		Longitude: *req.Location.Longitude,
		Address:   req.Location.Address,
	}
	sess, payload, err := s.Sessions.CreateSession(c.Request.Context(), claims(c).Subject, req.Subject, loc)
	if err != nil {
		sessionError(c, err)
		return
	}
	token, err := payload.Encode()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	log.Printf("api: session %s opened by %s for %s", sess.ID, sess.TeacherID, sess.Subject)
	c.JSON(http.StatusCreated, sessionResponse{Session: sess, Token: token})
}

// owned loads the session named in the path and checks the caller opened it.
func (s *server) owned(c *gin.Context) (session.Session, bool) {
	sess, err := s.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sessionError(c, err)
		return session.Session{}, false
	}
	if sess.TeacherID != claims(c).Subject {
		sessionError(c, session.ErrNotOwner)
		return session.Session{}, false
	}
	return sess, true
}

func (s *server) getSession(c *gin.Context) {
	sess, ok := s.owned(c)
	if !ok {
		return
	}
	token, err := session.PayloadFor(sess).Encode()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{Session: sess, Token: token})
}

func (s *server) sessionQR(c *gin.Context) {
	sess, ok := s.owned(c)
	if !ok {
		return
	}
	token, err := session.PayloadFor(sess).Encode()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	png, err := qrcode.Encode(token, qrcode.Medium, qrSize)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *server) endSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.Sessions.EndSession(c.Request.Context(), claims(c).Subject, id); err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "active": false})
}

func (s *server) sessionRecords(c *gin.Context) {
	sess, ok := s.owned(c)
	if !ok {
		return
	}
	records, err := s.Records.Records(c.Request.Context(), sess.ID)
	if err != nil {
		sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "records": records})
}

func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		errorJSON(c, http.StatusNotFound, err)
	case errors.Is(err, session.ErrNotOwner):
		errorJSON(c, http.StatusForbidden, err)
	case errors.Is(err, session.ErrInvalidSession):
		errorJSON(c, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrStorage):
		log.Printf("api: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
	default:
		log.Printf("api: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
