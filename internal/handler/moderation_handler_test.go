package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/gesture"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/service"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type moderationStub struct {
	questions map[string]*models.Question
	actions   []string
	actionErr error
	approved  int
	pending   int
	projected *models.Question
}

func (m *moderationStub) Question(ctx context.Context, id string) (*models.Question, error) {
	q, ok := m.questions[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "question not found")
	}
	return q, nil
}

func (m *moderationStub) act(action, id string) error {
	m.actions = append(m.actions, action+":"+id)
	return m.actionErr
}

func (m *moderationStub) Approve(ctx context.Context, id string) error { return m.act("approve", id) }
func (m *moderationStub) Reject(ctx context.Context, id string) error  { return m.act("reject", id) }
func (m *moderationStub) Delete(ctx context.Context, id string) error  { return m.act("delete", id) }

func (m *moderationStub) Answer(ctx context.Context, id, answer string) error {
	return m.act("answer="+answer, id)
}

func (m *moderationStub) ApproveAll(ctx context.Context, sessionID string) (int, error) {
	return m.approved, m.actionErr
}

func (m *moderationStub) PendingCount(ctx context.Context, sessionID string) (int, error) {
	return m.pending, nil
}

func (m *moderationStub) Projection(ctx context.Context, sessionID string) (*models.Question, error) {
	return m.projected, nil
}

func (m *moderationStub) AddView(ctx context.Context, sessionID string, fn service.ViewFunc) (realtime.Subscription, error) {
	return noopSubscription{}, nil
}

type motionStub struct {
	samples []gesture.Sample
}

func (m *motionStub) Feed(ctx context.Context, sessionID string, samples []gesture.Sample) (service.GestureResult, error) {
	m.samples = append(m.samples, samples...)
	return service.GestureResult{Shakes: 1, Approved: 3}, nil
}

func newModerationFixture() (*ModerationHandler, *moderationStub, *motionStub) {
	sessions := newSessionsStub(
		&models.Session{ID: "s-1", OwnerID: "teacher-1", JoinCode: "ABCD23"},
		&models.Session{ID: "s-2", OwnerID: "teacher-2", JoinCode: "WXYZ89"},
	)
	mod := &moderationStub{questions: map[string]*models.Question{
		"q-1": {ID: "q-1", SessionID: "s-1", Status: models.StatusPending},
		"q-2": {ID: "q-2", SessionID: "s-2", Status: models.StatusPending},
	}}
	motion := &motionStub{}
	return NewModerationHandler(mod, sessions, motion, nil, nil, nil), mod, motion
}

func TestModerationHandlerActionsRequireOwnership(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()

	c, w := newGinContext(http.MethodPost, "/questions/q-2/approve", nil)
	c.Params = gin.Params{{Key: "id", Value: "q-2"}}
	asTeacher(c, "teacher-1")
	h.Approve(c)
	assert.Equal(t, http.StatusForbidden, w.Code)

	c, w = newGinContext(http.MethodPost, "/questions/q-1/approve", nil)
	c.Params = gin.Params{{Key: "id", Value: "q-1"}}
	asTeacher(c, "teacher-1")
	h.Approve(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"approve:q-1"}, mod.actions)
}

func TestModerationHandlerMapsErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()

	c, w := newGinContext(http.MethodPost, "/questions/missing/reject", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	asTeacher(c, "teacher-1")
	h.Reject(c)
	assert.Equal(t, http.StatusNotFound, w.Code)

	mod.actionErr = appErrors.Clone(appErrors.ErrInvalidTransition, "question is approved")
	c, w = newGinContext(http.MethodDelete, "/questions/q-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "q-1"}}
	asTeacher(c, "teacher-1")
	h.Delete(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "question is approved", decodeEnvelope(t, w).Error.Message)
}

func TestModerationHandlerAnswerValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()

	c, w := newGinContext(http.MethodPost, "/questions/q-1/answer", mustJSON(t, dto.AnswerQuestionRequest{Answer: "   "}))
	c.Params = gin.Params{{Key: "id", Value: "q-1"}}
	asTeacher(c, "teacher-1")
	h.Answer(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, mod.actions)

	c, w = newGinContext(http.MethodPost, "/questions/q-1/answer", mustJSON(t, dto.AnswerQuestionRequest{Answer: "Chapter 4"}))
	c.Params = gin.Params{{Key: "id", Value: "q-1"}}
	asTeacher(c, "teacher-1")
	h.Answer(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"answer=Chapter 4:q-1"}, mod.actions)
}

func TestModerationHandlerApproveAllAndCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()
	mod.approved, mod.pending = 4, 2

	c, w := newGinContext(http.MethodPost, "/sessions/s-1/questions/approve-all", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asTeacher(c, "teacher-1")
	h.ApproveAll(c)
	require.Equal(t, http.StatusOK, w.Code)
	var approved dto.ApproveAllResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &approved))
	assert.Equal(t, 4, approved.Approved)

	c, w = newGinContext(http.MethodGet, "/sessions/s-1/questions/pending-count", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asTeacher(c, "teacher-1")
	h.PendingCount(c)
	require.Equal(t, http.StatusOK, w.Code)
	var count dto.PendingCountResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &count))
	assert.Equal(t, 2, count.Pending)

	c, w = newGinContext(http.MethodPost, "/sessions/s-2/questions/approve-all", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-2"}}
	asTeacher(c, "teacher-1")
	h.ApproveAll(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestModerationHandlerApproveAllStoreUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()
	mod.actionErr = appErrors.Clone(appErrors.ErrStoreUnavailable, "")

	c, w := newGinContext(http.MethodPost, "/sessions/s-1/questions/approve-all", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asTeacher(c, "teacher-1")
	h.ApproveAll(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestModerationHandlerProjection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, mod, _ := newModerationFixture()

	c, w := newGinContext(http.MethodGet, "/sessions/s-1/projection", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	h.Projection(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"question":null`)

	answer := "Yes"
	mod.projected = &models.Question{ID: "q-9", SessionID: "s-1", AuthorID: "student-7", Text: "Is it open book?", Status: models.StatusApproved, AnswerText: &answer}
	c, w = newGinContext(http.MethodGet, "/sessions/s-1/projection", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	h.Projection(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Is it open book?")
	assert.NotContains(t, w.Body.String(), "student-7")

	c, w = newGinContext(http.MethodGet, "/sessions/nope/projection", nil)
	c.Params = gin.Params{{Key: "id", Value: "nope"}}
	h.Projection(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModerationHandlerMotion(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, motion := newModerationFixture()

	req := dto.MotionRequest{Samples: []dto.MotionSample{{X: 30, Y: 0, Z: 9.8, TimestampMS: 1000}, {X: 0, Y: 0, Z: 9.8, TimestampMS: 1100}}}
	c, w := newGinContext(http.MethodPost, "/sessions/s-1/motion", mustJSON(t, req))
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asTeacher(c, "teacher-1")
	h.Motion(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, motion.samples, 2)
	assert.Equal(t, int64(1000), motion.samples[0].At.UnixMilli())
	assert.Contains(t, w.Body.String(), `"approved":3`)

	c, w = newGinContext(http.MethodPost, "/sessions/s-1/motion", mustJSON(t, dto.MotionRequest{}))
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asTeacher(c, "teacher-1")
	h.Motion(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModerationFrameMarksStale(t *testing.T) {
	frame := moderationFrame(service.ModerationView{SessionID: "s-1", Err: appErrors.ErrStoreUnavailable})
	assert.True(t, frame.Stale)
	assert.NotNil(t, frame.Pending)
	assert.NotNil(t, frame.Approved)
	assert.Nil(t, frame.Projected)
}
