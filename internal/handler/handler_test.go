package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/middleware"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asTeacher(c *gin.Context, id string) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: id, Role: models.RoleTeacher})
}

func asStudent(c *gin.Context, id string) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: id, Role: models.RoleStudent})
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

type sessionsStub struct {
	sessions map[string]*models.Session
	ensured  []string
	torn     []string
	events   []models.SessionEvent
}

func newSessionsStub(sessions ...*models.Session) *sessionsStub {
	s := &sessionsStub{sessions: make(map[string]*models.Session)}
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
	return s
}

func (s *sessionsStub) EnsureSession(ctx context.Context, ownerID string) (*models.Session, error) {
	s.ensured = append(s.ensured, ownerID)
	for _, session := range s.sessions {
		if session.OwnerID == ownerID {
			return session, nil
		}
	}
	session := &models.Session{ID: "s-new", OwnerID: ownerID, JoinCode: "NEWCOD"}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *sessionsStub) JoinByCode(ctx context.Context, code string) (*models.Session, error) {
	for _, session := range s.sessions {
		if session.JoinCode == code {
			return session, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "no class is using that code")
}

func (s *sessionsStub) Get(ctx context.Context, id string) (*models.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	return session, nil
}

func (s *sessionsStub) Teardown(ctx context.Context, sessionID string) error {
	s.torn = append(s.torn, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

func (s *sessionsStub) WatchSession(ctx context.Context, sessionID string, fn func(models.SessionEvent, error)) (realtime.Subscription, error) {
	for _, ev := range s.events {
		fn(ev, nil)
	}
	return noopSubscription{}, nil
}

type noopSubscription struct{}

func (noopSubscription) Cancel() {}
