package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/gesture"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/service"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type moderationService interface {
	Question(ctx context.Context, questionID string) (*models.Question, error)
	Approve(ctx context.Context, questionID string) error
	Answer(ctx context.Context, questionID, answer string) error
	Reject(ctx context.Context, questionID string) error
	Delete(ctx context.Context, questionID string) error
	ApproveAll(ctx context.Context, sessionID string) (int, error)
	PendingCount(ctx context.Context, sessionID string) (int, error)
	Projection(ctx context.Context, sessionID string) (*models.Question, error)
	AddView(ctx context.Context, sessionID string, fn service.ViewFunc) (realtime.Subscription, error)
}

type motionFeeder interface {
	Feed(ctx context.Context, sessionID string, samples []gesture.Sample) (service.GestureResult, error)
}

// ModerationHandler exposes the teacher's moderation actions and the classroom display.
type ModerationHandler struct {
	moderation moderationService
	sessions   sessionReader
	motion     motionFeeder
	validator  *validator.Validate
	metrics    *service.MetricsService
	logger     *zap.Logger
	heartbeat  time.Duration
}

// NewModerationHandler constructs a moderation handler. motion may be nil when shake
// gestures are disabled.
func NewModerationHandler(moderation moderationService, sessions sessionReader, motion motionFeeder, validate *validator.Validate, metrics *service.MetricsService, logger *zap.Logger) *ModerationHandler {
	if validate == nil {
		validate = NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModerationHandler{
		moderation: moderation,
		sessions:   sessions,
		motion:     motion,
		validator:  validate,
		metrics:    metrics,
		logger:     logger,
		heartbeat:  defaultHeartbeat,
	}
}

// ownedQuestion loads the question and checks the caller owns its session.
func (h *ModerationHandler) ownedQuestion(c *gin.Context) *models.Question {
	question, err := h.moderation.Question(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return nil
	}
	if ownedSession(c, h.sessions, question.SessionID) == nil {
		return nil
	}
	return question
}

// Approve godoc
// @Summary Approve a pending question
// @Tags Moderation
// @Param id path string true "Question ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /questions/{id}/approve [post]
func (h *ModerationHandler) Approve(c *gin.Context) {
	question := h.ownedQuestion(c)
	if question == nil {
		return
	}
	if err := h.moderation.Approve(c.Request.Context(), question.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Answer godoc
// @Summary Answer and approve a pending question
// @Tags Moderation
// @Accept json
// @Param id path string true "Question ID"
// @Param payload body dto.AnswerQuestionRequest true "Answer"
// @Success 204
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /questions/{id}/answer [post]
func (h *ModerationHandler) Answer(c *gin.Context) {
	var req dto.AnswerQuestionRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	question := h.ownedQuestion(c)
	if question == nil {
		return
	}
	if err := h.moderation.Answer(c.Request.Context(), question.ID, req.Answer); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Reject godoc
// @Summary Reject a pending question
// @Description Rejected questions are deleted
// @Tags Moderation
// @Param id path string true "Question ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /questions/{id}/reject [post]
func (h *ModerationHandler) Reject(c *gin.Context) {
	question := h.ownedQuestion(c)
	if question == nil {
		return
	}
	if err := h.moderation.Reject(c.Request.Context(), question.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Delete an approved question
// @Tags Moderation
// @Param id path string true "Question ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /questions/{id} [delete]
func (h *ModerationHandler) Delete(c *gin.Context) {
	question := h.ownedQuestion(c)
	if question == nil {
		return
	}
	if err := h.moderation.Delete(c.Request.Context(), question.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ApproveAll godoc
// @Summary Approve every pending question of a session
// @Tags Moderation
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /sessions/{id}/questions/approve-all [post]
func (h *ModerationHandler) ApproveAll(c *gin.Context) {
	session := ownedSession(c, h.sessions, c.Param("id"))
	if session == nil {
		return
	}
	n, err := h.moderation.ApproveAll(c.Request.Context(), session.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.ApproveAllResponse{SessionID: session.ID, Approved: n})
}

// PendingCount godoc
// @Summary Number of questions awaiting moderation
// @Tags Moderation
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/questions/pending-count [get]
func (h *ModerationHandler) PendingCount(c *gin.Context) {
	session := ownedSession(c, h.sessions, c.Param("id"))
	if session == nil {
		return
	}
	n, err := h.moderation.PendingCount(c.Request.Context(), session.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.PendingCountResponse{SessionID: session.ID, Pending: n})
}

// Stream godoc
// @Summary Live moderation view
// @Description Server-sent "moderation" events with pending and approved lists, counts and the projected question
// @Tags Moderation
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Success 200
// @Router /sessions/{id}/moderation/stream [get]
func (h *ModerationHandler) Stream(c *gin.Context) {
	session := ownedSession(c, h.sessions, c.Param("id"))
	if session == nil {
		return
	}
	stream := newEventStream()
	sub, err := h.moderation.AddView(c.Request.Context(), session.ID, func(v service.ModerationView) {
		if v.Err != nil {
			h.logger.Debug("moderation view stale", zap.String("session_id", v.SessionID), zap.Error(v.Err))
		}
		stream.push("moderation", moderationFrame(v))
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Cancel()
	serveStream(c, stream, h.heartbeat, h.metrics)
}

// Projection godoc
// @Summary Question on the class display
// @Tags Projection
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/projection [get]
func (h *ModerationHandler) Projection(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), sessionID); err != nil {
		response.Error(c, err)
		return
	}
	question, err := h.moderation.Projection(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, projectionFrame(sessionID, question))
}

// ProjectionStream godoc
// @Summary Live class display
// @Description Server-sent "projection" events whenever the displayed question changes
// @Tags Projection
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Success 200
// @Router /sessions/{id}/projection/stream [get]
func (h *ModerationHandler) ProjectionStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), sessionID); err != nil {
		response.Error(c, err)
		return
	}
	stream := newEventStream()
	var lastID string
	first := true
	sub, err := h.moderation.AddView(c.Request.Context(), sessionID, func(v service.ModerationView) {
		if v.Err != nil {
			return
		}
		id := ""
		if v.Projected != nil {
			id = v.Projected.ID + "|" + answerOf(v.Projected)
		}
		// views are delivered serially per session
		if !first && id == lastID {
			return
		}
		first, lastID = false, id
		stream.push("projection", projectionFrame(sessionID, v.Projected))
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Cancel()
	serveStream(c, stream, h.heartbeat, h.metrics)
}

// Motion godoc
// @Summary Report phone motion samples
// @Description Every detected shake approves all pending questions
// @Tags Moderation
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.MotionRequest true "Accelerometer samples"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/motion [post]
func (h *ModerationHandler) Motion(c *gin.Context) {
	if h.motion == nil {
		response.Error(c, errFeatureDisabled("shake gestures are disabled"))
		return
	}
	var req dto.MotionRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	session := ownedSession(c, h.sessions, c.Param("id"))
	if session == nil {
		return
	}
	samples := make([]gesture.Sample, 0, len(req.Samples))
	for _, s := range req.Samples {
		samples = append(samples, gesture.Sample{X: s.X, Y: s.Y, Z: s.Z, At: time.UnixMilli(s.TimestampMS)})
	}
	result, err := h.motion.Feed(c.Request.Context(), session.ID, samples)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

func moderationFrame(v service.ModerationView) dto.ModerationViewResponse {
	frame := dto.ModerationViewResponse{
		SessionID: v.SessionID,
		Pending:   dto.NewQuestionResponses(v.Pending),
		Approved:  dto.NewQuestionResponses(v.Approved),
		Counts:    v.Counts,
		Stale:     v.Err != nil,
	}
	if v.Projected != nil {
		projected := dto.NewQuestionResponse(*v.Projected)
		frame.Projected = &projected
	}
	return frame
}

func projectionFrame(sessionID string, q *models.Question) dto.ProjectionResponse {
	frame := dto.ProjectionResponse{SessionID: sessionID}
	if q != nil {
		projected := dto.NewQuestionResponse(*q)
		frame.Question = &projected
	}
	return frame
}

func answerOf(q *models.Question) string {
	if q.AnswerText == nil {
		return ""
	}
	return *q.AnswerText
}
