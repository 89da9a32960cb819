package models

import (
	"strings"
	"time"
)

// QuestionStatus is the moderation state of a question.
type QuestionStatus string

const (
	StatusPending  QuestionStatus = "pending"
	StatusApproved QuestionStatus = "approved"
	// StatusRejected is terminal and never stored: rejecting deletes the document.
	StatusRejected QuestionStatus = "rejected"
)

// MinQuestionLength is the minimum trimmed length of a question text.
const MinQuestionLength = 5

// Valid reports whether s is a known status.
func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether a question in s may move to next.
func (s QuestionStatus) CanTransition(next QuestionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		// approved -> rejected is the teacher deleting a cleared item
		return next == StatusRejected
	}
	return false
}

// Question is a student-submitted item subject to moderation.
type Question struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	AuthorID   string         `json:"author_id"`
	Text       string         `json:"text"`
	Status     QuestionStatus `json:"status"`
	AnswerText *string        `json:"answer_text,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	// Seq is the store-assigned arrival order.
	Seq int64 `json:"-"`
}

// HasAnswer reports whether the question was approved with an answer.
func (q Question) HasAnswer() bool {
	return q.Status == StatusApproved && q.AnswerText != nil && *q.AnswerText != ""
}

// NormalizeQuestionText trims surrounding whitespace.
func NormalizeQuestionText(text string) string {
	return strings.TrimSpace(text)
}

// NewerThan orders questions for display: most recent CreatedAt first, missing CreatedAt
// last, later arrival first on ties.
func (q Question) NewerThan(other Question) bool {
	a, b := q.createdUnix(), other.createdUnix()
	if a != b {
		return a > b
	}
	return q.Seq > other.Seq
}

func (q Question) createdUnix() int64 {
	if q.CreatedAt == nil || q.CreatedAt.IsZero() {
		return minUnixNano
	}
	return q.CreatedAt.UnixNano()
}

const minUnixNano = -1 << 63

// QuestionCounts summarises a session's moderation queue.
type QuestionCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Answered int `json:"answered"`
}
