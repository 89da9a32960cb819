package dto

import (
	"time"

	"github.com/noah-isme/asknon-api/internal/models"
)

// SubmitQuestionRequest captures POST /sessions/:id/questions payload.
type SubmitQuestionRequest struct {
	Text string `json:"text" validate:"trimmin=5,max=500"`
}

// AnswerQuestionRequest captures POST /questions/:id/answer payload.
type AnswerQuestionRequest struct {
	Answer string `json:"answer" validate:"trimmin=1,max=2000"`
}

// QuestionResponse is a question as shown to clients. Author ids are left out so the
// projection and moderation views stay anonymous.
type QuestionResponse struct {
	ID        string                `json:"id"`
	SessionID string                `json:"sessionId"`
	Text      string                `json:"text"`
	Status    models.QuestionStatus `json:"status"`
	Answer    *string               `json:"answer,omitempty"`
	CreatedAt *time.Time            `json:"createdAt,omitempty"`
}

// NewQuestionResponse maps a question model.
func NewQuestionResponse(q models.Question) QuestionResponse {
	return QuestionResponse{
		ID:        q.ID,
		SessionID: q.SessionID,
		Text:      q.Text,
		Status:    q.Status,
		Answer:    q.AnswerText,
		CreatedAt: q.CreatedAt,
	}
}

// NewQuestionResponses maps a list, never returning nil.
func NewQuestionResponses(qs []models.Question) []QuestionResponse {
	out := make([]QuestionResponse, 0, len(qs))
	for _, q := range qs {
		out = append(out, NewQuestionResponse(q))
	}
	return out
}
