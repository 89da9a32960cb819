package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/repository"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type questionRepository interface {
	Submit(ctx context.Context, sessionID, authorID, text string) (*models.Question, error)
	Get(ctx context.Context, id string) (*models.Question, error)
	Remove(ctx context.Context, id string) error
	SubscribeByAuthor(ctx context.Context, sessionID, authorID string, fn repository.QuestionsFunc) (realtime.Subscription, error)
}

type sessionLookup interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// QuestionService is the student side: asking and following one's own questions.
type QuestionService struct {
	questions questionRepository
	sessions  sessionLookup
	logger    *zap.Logger
}

// NewQuestionService constructs a QuestionService.
func NewQuestionService(questions questionRepository, sessions sessionLookup, logger *zap.Logger) *QuestionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionService{questions: questions, sessions: sessions, logger: logger}
}

// Submit creates a pending question in an open session.
func (s *QuestionService) Submit(ctx context.Context, sessionID, authorID, text string) (*models.Question, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "author is required")
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		if appErrors.IsKind(err, appErrors.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "this class is no longer open")
		}
		return nil, err
	}
	question, err := s.questions.Submit(ctx, sessionID, authorID, text)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("question submitted", zap.String("session_id", sessionID), zap.String("question_id", question.ID))
	return question, nil
}

// Withdraw deletes one of the author's own questions in the session, whatever its status.
// Someone else's question is reported as forbidden; a question already gone as not found.
func (s *QuestionService) Withdraw(ctx context.Context, sessionID, authorID, questionID string) error {
	if authorID == "" || questionID == "" {
		return appErrors.Clone(appErrors.ErrInvalidInput, "author and question are required")
	}
	question, err := s.questions.Get(ctx, questionID)
	if err != nil {
		return err
	}
	if question.SessionID != sessionID {
		return appErrors.Clone(appErrors.ErrNotFound, "question not found")
	}
	if question.AuthorID != authorID {
		return appErrors.Clone(appErrors.ErrForbidden, "you can only withdraw your own questions")
	}
	if err := s.questions.Remove(ctx, questionID); err != nil {
		return err
	}
	s.logger.Debug("question withdrawn", zap.String("session_id", sessionID), zap.String("question_id", questionID))
	return nil
}

// WatchMine follows every question the author asked in the session, whatever its status.
// Rejected questions disappear from the set.
func (s *QuestionService) WatchMine(ctx context.Context, sessionID, authorID string, fn repository.QuestionsFunc) (realtime.Subscription, error) {
	if sessionID == "" || authorID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "session and author are required")
	}
	return s.questions.SubscribeByAuthor(ctx, sessionID, authorID, fn)
}
