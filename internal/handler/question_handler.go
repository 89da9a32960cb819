package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/repository"
	"github.com/noah-isme/asknon-api/internal/service"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type questionService interface {
	Submit(ctx context.Context, sessionID, authorID, text string) (*models.Question, error)
	Withdraw(ctx context.Context, sessionID, authorID, questionID string) error
	WatchMine(ctx context.Context, sessionID, authorID string, fn repository.QuestionsFunc) (realtime.Subscription, error)
}

// QuestionHandler is the student side of a class.
type QuestionHandler struct {
	questions questionService
	validator *validator.Validate
	metrics   *service.MetricsService
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewQuestionHandler constructs a question handler.
func NewQuestionHandler(questions questionService, validate *validator.Validate, metrics *service.MetricsService, logger *zap.Logger) *QuestionHandler {
	if validate == nil {
		validate = NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionHandler{questions: questions, validator: validate, metrics: metrics, logger: logger, heartbeat: defaultHeartbeat}
}

// Submit godoc
// @Summary Ask a question
// @Tags Questions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.SubmitQuestionRequest true "Question"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id}/questions [post]
func (h *QuestionHandler) Submit(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req dto.SubmitQuestionRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	question, err := h.questions.Submit(c.Request.Context(), c.Param("id"), claims.UserID, req.Text)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.NewQuestionResponse(*question))
}

// Withdraw godoc
// @Summary Withdraw one of my questions
// @Tags Questions
// @Produce json
// @Param id path string true "Session ID"
// @Param questionId path string true "Question ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id}/questions/mine/{questionId} [delete]
func (h *QuestionHandler) Withdraw(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	if err := h.questions.Withdraw(c.Request.Context(), c.Param("id"), claims.UserID, c.Param("questionId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Mine godoc
// @Summary Follow my questions
// @Description Server-sent "questions" events listing the caller's questions, newest first
// @Tags Questions
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Success 200
// @Router /sessions/{id}/questions/mine [get]
func (h *QuestionHandler) Mine(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	sessionID := c.Param("id")
	stream := newEventStream()
	sub, err := h.questions.WatchMine(c.Request.Context(), sessionID, claims.UserID, func(qs []models.Question, err error) {
		if err != nil {
			h.logger.Debug("my questions watch interrupted", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		stream.push("questions", dto.NewQuestionResponses(qs))
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Cancel()
	serveStream(c, stream, h.heartbeat, h.metrics)
}
