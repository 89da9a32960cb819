package dto

import (
	"time"

	"github.com/noah-isme/asknon-api/internal/models"
)

// JoinSessionRequest captures POST /sessions/join payload.
type JoinSessionRequest struct {
	Code string `json:"code" validate:"required,alphanum,min=4,max=8"`
}

// SessionResponse is the public view of a session; the owner is never exposed.
type SessionResponse struct {
	ID        string    `json:"id"`
	JoinCode  string    `json:"joinCode"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSessionResponse maps a session model.
func NewSessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{ID: s.ID, JoinCode: s.JoinCode, CreatedAt: s.CreatedAt}
}

// SessionEventResponse is streamed to students watching a session.
type SessionEventResponse struct {
	SessionID string `json:"sessionId"`
	Closed    bool   `json:"closed"`
}
