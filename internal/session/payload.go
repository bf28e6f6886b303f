package session

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedToken is returned for QR text that is neither a payload nor a session id.
var ErrMalformedToken = errors.New("malformed session token")

// Payload is the JSON embedded in a session QR code.
type Payload struct {
	SessionID string    `json:"sessionId"`
	Location  *Location `json:"location,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	TeacherID string    `json:"teacherId,omitempty"`
	Timestamp int64     `json:"timestamp"`

	// Legacy is set when the token was a bare session id.
	Legacy bool `json:"-"`
}

// PayloadFor builds the QR payload of s.
func PayloadFor(s Session) Payload {
	loc := s.Location
	return Payload{
		SessionID: s.ID,
		Location:  &loc,
		Subject:   s.Subject,
		TeacherID: s.TeacherID,
		Timestamp: s.CreatedAt.UnixMilli(),
	}
}

// Encode renders the payload as the QR text.
func (p Payload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParsePayload decodes QR text. A bare string (optionally JSON-quoted) is a legacy session id.
func ParsePayload(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrMalformedToken
	}
	switch raw[0] {
	case '{':
		var p Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return Payload{}, ErrMalformedToken
		}
		p.SessionID = strings.TrimSpace(p.SessionID)
		if p.SessionID == "" {
			return Payload{}, ErrMalformedToken
		}
		return p, nil
	case '"':
		var id string
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			return Payload{}, ErrMalformedToken
		}
		raw = strings.TrimSpace(id)
	}
	if raw == "" || strings.ContainsAny(raw, " \t\r\n{}[]") {
		return Payload{}, ErrMalformedToken
	}
	return Payload{SessionID: raw, Legacy: true}, nil
}
