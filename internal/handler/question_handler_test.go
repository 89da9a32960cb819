package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/repository"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type questionsStub struct {
	submitted []string
	withdrawn []string
	err       error
}

func (s *questionsStub) Withdraw(ctx context.Context, sessionID, authorID, questionID string) error {
	if s.err != nil {
		return s.err
	}
	s.withdrawn = append(s.withdrawn, authorID+"/"+questionID)
	return nil
}

func (s *questionsStub) Submit(ctx context.Context, sessionID, authorID, text string) (*models.Question, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.submitted = append(s.submitted, text)
	return &models.Question{ID: "q-1", SessionID: sessionID, AuthorID: authorID, Text: text, Status: models.StatusPending}, nil
}

func (s *questionsStub) WatchMine(ctx context.Context, sessionID, authorID string, fn repository.QuestionsFunc) (realtime.Subscription, error) {
	return noopSubscription{}, nil
}

func TestQuestionHandlerSubmitValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &questionsStub{}
	h := NewQuestionHandler(stub, nil, nil, nil)

	cases := []struct {
		text   string
		status int
	}{
		{"", http.StatusBadRequest},
		{"hi", http.StatusBadRequest},
		{"   hi   ", http.StatusBadRequest},
		{"Is this on the exam?", http.StatusCreated},
	}
	for _, tc := range cases {
		c, w := newGinContext(http.MethodPost, "/sessions/s-1/questions", mustJSON(t, dto.SubmitQuestionRequest{Text: tc.text}))
		c.Params = gin.Params{{Key: "id", Value: "s-1"}}
		asStudent(c, "student-1")
		h.Submit(c)
		assert.Equal(t, tc.status, w.Code, "text %q", tc.text)
	}
	require.Equal(t, []string{"Is this on the exam?"}, stub.submitted)
}

func TestQuestionHandlerSubmitHidesAuthor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewQuestionHandler(&questionsStub{}, nil, nil, nil)

	c, w := newGinContext(http.MethodPost, "/sessions/s-1/questions", mustJSON(t, dto.SubmitQuestionRequest{Text: "When is the quiz?"}))
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asStudent(c, "student-42")
	h.Submit(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "student-42")
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestQuestionHandlerRejectsMalformedBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewQuestionHandler(&questionsStub{}, nil, nil, nil)

	c, w := newGinContext(http.MethodPost, "/sessions/s-1/questions", []byte("{"))
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	asStudent(c, "student-1")
	h.Submit(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeEnvelope(t, w).Error.Code)
}

func TestQuestionHandlerWithdraw(t *testing.T) {
	gin.SetMode(gin.TestMode)
	stub := &questionsStub{}
	h := NewQuestionHandler(stub, nil, nil, nil)

	c, w := newGinContext(http.MethodDelete, "/sessions/s-1/questions/mine/q-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}, {Key: "questionId", Value: "q-1"}}
	asStudent(c, "student-1")
	h.Withdraw(c)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"student-1/q-1"}, stub.withdrawn)

	stub.err = appErrors.Clone(appErrors.ErrForbidden, "you can only withdraw your own questions")
	c, w = newGinContext(http.MethodDelete, "/sessions/s-1/questions/mine/q-2", nil)
	c.Params = gin.Params{{Key: "id", Value: "s-1"}, {Key: "questionId", Value: "q-2"}}
	asStudent(c, "student-1")
	h.Withdraw(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
