package dto

import (
	"time"

	"github.com/noah-isme/asknon-api/internal/models"
)

// ExportRequest captures POST /sessions/:id/export payload.
type ExportRequest struct {
	Format models.TranscriptFormat `json:"format" validate:"required,oneof=csv pdf"`
}

// ExportResponse carries the signed download link of a transcript.
type ExportResponse struct {
	URL       string                  `json:"url"`
	Format    models.TranscriptFormat `json:"format"`
	Questions int                     `json:"questions"`
	ExpiresAt time.Time               `json:"expiresAt"`
}
