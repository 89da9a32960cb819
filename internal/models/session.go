package models

import "time"

// Session is a single teacher-owned classroom instance identified by a join code.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	JoinCode  string    `json:"join_code"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEvent is emitted to session watchers.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Closed    bool   `json:"closed"`
}

// TranscriptFormat is a supported transcript export format.
type TranscriptFormat string

const (
	TranscriptCSV TranscriptFormat = "csv"
	TranscriptPDF TranscriptFormat = "pdf"
)

// ContentType returns the MIME type served for the format.
func (f TranscriptFormat) ContentType() string {
	if f == TranscriptPDF {
		return "application/pdf"
	}
	return "text/csv; charset=utf-8"
}
