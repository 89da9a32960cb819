package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime/memory"
	"github.com/noah-isme/asknon-api/internal/repository"
)

type fixture struct {
	store      *memory.Store
	questions  *repository.QuestionRepository
	sessions   *repository.SessionRepository
	metrics    *MetricsService
	cache      *CacheService
	redis      *miniredis.Miniredis
	sessionSvc *SessionService
	askSvc     *QuestionService
	moderation *ModerationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), metrics: NewMetricsService()}
	t.Cleanup(func() { _ = f.store.Close() })

	f.questions = repository.NewQuestionRepository(f.store, 2, nil).WithObserver(f.metrics)
	f.sessions = repository.NewSessionRepository(f.store, nil)

	f.redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.cache = NewCacheService(repository.NewCacheRepository(client, "asknon:", nil), f.metrics, 0, nil, true)

	f.sessionSvc = NewSessionService(f.sessions, f.questions, f.cache, SessionServiceConfig{}, nil)
	f.askSvc = NewQuestionService(f.questions, f.sessions, nil)
	f.moderation = NewModerationService(f.questions, f.metrics, ModerationServiceConfig{ApproveAllRetries: 2}, nil)
	t.Cleanup(f.moderation.Close)
	return f
}

func (f *fixture) session(t *testing.T, owner string) *models.Session {
	t.Helper()
	s, err := f.sessionSvc.EnsureSession(context.Background(), owner)
	require.NoError(t, err)
	return s
}

func (f *fixture) ask(t *testing.T, sessionID, text string) *models.Question {
	t.Helper()
	q, err := f.askSvc.Submit(context.Background(), sessionID, "student-1", text)
	require.NoError(t, err)
	return q
}
