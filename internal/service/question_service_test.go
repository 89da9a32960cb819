package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/models"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, "teacher-1")

	for _, text := range []string{"", "hi", "   hi   "} {
		_, err := f.askSvc.Submit(ctx, session.ID, "student-1", text)
		assert.True(t, appErrors.IsKind(err, appErrors.ErrInvalidInput), "text %q", text)
	}

	q, err := f.askSvc.Submit(ctx, session.ID, "student-1", "  Is this on the exam?  ")
	require.NoError(t, err)
	assert.Equal(t, "Is this on the exam?", q.Text)
	assert.Equal(t, models.StatusPending, q.Status)
	assert.NotNil(t, q.CreatedAt)

	_, err = f.askSvc.Submit(ctx, session.ID, "", "Is this on the exam?")
	assert.True(t, appErrors.IsKind(err, appErrors.ErrInvalidInput))
}

func TestSubmitToClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, "teacher-1")
	require.NoError(t, f.sessionSvc.Teardown(ctx, session.ID))

	_, err := f.askSvc.Submit(ctx, session.ID, "student-1", "Is this on the exam?")
	assert.True(t, appErrors.IsKind(err, appErrors.ErrNotFound))
}

func TestWatchMineFollowsOwnQuestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, "teacher-1")

	var mu sync.Mutex
	var latest []models.Question
	sub, err := f.askSvc.WatchMine(ctx, session.ID, "student-1", func(qs []models.Question, err error) {
		assert.NoError(t, err)
		mu.Lock()
		latest = qs
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Cancel()

	mine := f.ask(t, session.ID, "Will this be graded?")
	_, err = f.askSvc.Submit(ctx, session.ID, "student-2", "Someone else asking?")
	require.NoError(t, err)

	snapshot := func() []models.Question {
		mu.Lock()
		defer mu.Unlock()
		return latest
	}
	require.Eventually(t, func() bool {
		qs := snapshot()
		return len(qs) == 1 && qs[0].ID == mine.ID
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.moderation.Answer(ctx, mine.ID, "Yes"))
	require.Eventually(t, func() bool {
		qs := snapshot()
		return len(qs) == 1 && qs[0].HasAnswer()
	}, time.Second, 5*time.Millisecond)

	_, err = f.askSvc.WatchMine(ctx, session.ID, "", nil)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrInvalidInput))
}

func TestWithdrawOwnQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.session(t, "teacher-1")
	other := f.session(t, "teacher-2")
	q := f.ask(t, session.ID, "Can I retake the quiz?")

	err := f.askSvc.Withdraw(ctx, session.ID, "student-2", q.ID)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrForbidden))
	err = f.askSvc.Withdraw(ctx, other.ID, "student-1", q.ID)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrNotFound))

	require.NoError(t, f.askSvc.Withdraw(ctx, session.ID, "student-1", q.ID))
	_, err = f.questions.Get(ctx, q.ID)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrNotFound))

	err = f.askSvc.Withdraw(ctx, session.ID, "student-1", q.ID)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrNotFound))

	count, err := f.moderation.PendingCount(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}
