package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/service"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type sessionService interface {
	EnsureSession(ctx context.Context, ownerID string) (*models.Session, error)
	JoinByCode(ctx context.Context, code string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Teardown(ctx context.Context, sessionID string) error
	WatchSession(ctx context.Context, sessionID string, fn func(models.SessionEvent, error)) (realtime.Subscription, error)
}

// SessionHandler exposes the classroom session lifecycle.
type SessionHandler struct {
	sessions  sessionService
	validator *validator.Validate
	metrics   *service.MetricsService
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(sessions sessionService, validate *validator.Validate, metrics *service.MetricsService, logger *zap.Logger) *SessionHandler {
	if validate == nil {
		validate = NewValidator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, validator: validate, metrics: metrics, logger: logger, heartbeat: defaultHeartbeat}
}

// Ensure godoc
// @Summary Open the teacher's class
// @Description Returns the caller's session, creating one with a fresh join code when none exists
// @Tags Sessions
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /sessions [post]
func (h *SessionHandler) Ensure(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	session, err := h.sessions.EnsureSession(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(session))
}

// Join godoc
// @Summary Join a class by code
// @Tags Sessions
// @Accept json
// @Produce json
// @Param payload body dto.JoinSessionRequest true "Join code"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/join [post]
func (h *SessionHandler) Join(c *gin.Context) {
	var req dto.JoinSessionRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	session, err := h.sessions.JoinByCode(c.Request.Context(), req.Code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(session))
}

// Get godoc
// @Summary Get a session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	session, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(session))
}

// Teardown godoc
// @Summary End a class
// @Description Deletes every question of the session, then the session and its join code
// @Tags Sessions
// @Param id path string true "Session ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Router /sessions/{id} [delete]
func (h *SessionHandler) Teardown(c *gin.Context) {
	id := c.Param("id")
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		// an already removed session tears down successfully
		if appErrors.IsKind(err, appErrors.ErrNotFound) {
			response.NoContent(c)
			return
		}
		response.Error(c, err)
		return
	}
	if session.OwnerID != claims.UserID {
		response.Error(c, errForeignSession())
		return
	}
	if err := h.sessions.Teardown(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Events godoc
// @Summary Follow a session
// @Description Server-sent "session" events; the stream ends after the session closes
// @Tags Sessions
// @Produce text/event-stream
// @Param id path string true "Session ID"
// @Success 200
// @Router /sessions/{id}/events [get]
func (h *SessionHandler) Events(c *gin.Context) {
	id := c.Param("id")
	stream := newEventStream()
	sub, err := h.sessions.WatchSession(c.Request.Context(), id, func(ev models.SessionEvent, err error) {
		if err != nil {
			h.logger.Debug("session watch interrupted", zap.String("session_id", id), zap.Error(err))
			return
		}
		stream.push("session", dto.SessionEventResponse{SessionID: ev.SessionID, Closed: ev.Closed})
		if ev.Closed {
			stream.finish()
		}
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Cancel()
	serveStream(c, stream, h.heartbeat, h.metrics)
}
