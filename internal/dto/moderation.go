package dto

import "github.com/noah-isme/asknon-api/internal/models"

// ModerationViewResponse is one frame of the teacher's live stream.
type ModerationViewResponse struct {
	SessionID string                `json:"sessionId"`
	Pending   []QuestionResponse    `json:"pending"`
	Approved  []QuestionResponse    `json:"approved"`
	Counts    models.QuestionCounts `json:"counts"`
	Projected *QuestionResponse     `json:"projected,omitempty"`
	Stale     bool                  `json:"stale,omitempty"`
}

// PendingCountResponse is returned by GET /sessions/:id/questions/pending-count.
type PendingCountResponse struct {
	SessionID string `json:"sessionId"`
	Pending   int    `json:"pending"`
}

// ApproveAllResponse reports how many questions one approve-all moved.
type ApproveAllResponse struct {
	SessionID string `json:"sessionId"`
	Approved  int    `json:"approved"`
}

// ProjectionResponse is what the classroom display shows.
type ProjectionResponse struct {
	SessionID string            `json:"sessionId"`
	Question  *QuestionResponse `json:"question"`
}

// MotionSample is one accelerometer reading in m/s².
type MotionSample struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	TimestampMS int64   `json:"timestampMs" validate:"required,gt=0"`
}

// MotionRequest captures POST /sessions/:id/motion payload.
type MotionRequest struct {
	Samples []MotionSample `json:"samples" validate:"required,min=1,max=500,dive"`
}
