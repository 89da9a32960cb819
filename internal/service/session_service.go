package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

// JoinCodeAlphabet omits characters that are easy to misread on a projector (I, O, 0, 1).
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var joinCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,8}$`)

type sessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	FindByOwner(ctx context.Context, ownerID string) (*models.Session, error)
	FindByCode(ctx context.Context, code string) (*models.Session, error)
	CodeTaken(ctx context.Context, code string) (bool, error)
	Delete(ctx context.Context, session *models.Session) error
	SubscribeSession(ctx context.Context, id string, fn func(exists bool, err error)) (realtime.Subscription, error)
}

type sessionQuestionCascade interface {
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
}

type joinCache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// SessionTeardownHook runs after a session was removed, for example to drop exports.
type SessionTeardownHook func(ctx context.Context, session models.Session)

// SessionServiceConfig tunes code generation and caching.
type SessionServiceConfig struct {
	CodeLength   int
	CodeAttempts int
	CacheTTL     time.Duration
}

// SessionService manages the lifecycle of classroom sessions.
type SessionService struct {
	sessions  sessionRepository
	questions sessionQuestionCascade
	cache     joinCache
	logger    *zap.Logger
	cfg       SessionServiceConfig
	codes     func(length int) (string, error)
	now       func() time.Time
	onClose   []SessionTeardownHook
}

// NewSessionService constructs a SessionService. cache may be nil.
func NewSessionService(sessions sessionRepository, questions sessionQuestionCascade, cache joinCache, cfg SessionServiceConfig, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CodeLength < 4 || cfg.CodeLength > 8 {
		cfg.CodeLength = 6
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 10
	}
	return &SessionService{
		sessions:  sessions,
		questions: questions,
		cache:     cache,
		logger:    logger,
		cfg:       cfg,
		codes:     generateJoinCode,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnTeardown registers a hook run after every successful teardown.
func (s *SessionService) OnTeardown(hook SessionTeardownHook) {
	s.onClose = append(s.onClose, hook)
}

// EnsureSession returns the owner's session, creating one with a fresh join code when
// none exists. Concurrent calls for the same owner converge on one session.
func (s *SessionService) EnsureSession(ctx context.Context, ownerID string) (*models.Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "owner is required")
	}
	existing, err := s.sessions.FindByOwner(ctx, ownerID)
	if err == nil {
		return existing, nil
	}
	if !appErrors.IsKind(err, appErrors.ErrNotFound) {
		return nil, err
	}

	for attempt := 1; attempt <= s.cfg.CodeAttempts; attempt++ {
		code, err := s.codes(s.cfg.CodeLength)
		if err != nil {
			return nil, appErrors.WrapKind(err, appErrors.ErrInternal, "failed to generate join code")
		}
		taken, err := s.sessions.CodeTaken(ctx, code)
		if err != nil {
			return nil, err
		}
		if taken {
			s.logger.Debug("join code collision", zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}

		session := &models.Session{ID: uuid.NewString(), OwnerID: ownerID, JoinCode: code, CreatedAt: s.now()}
		err = s.sessions.Create(ctx, session)
		if err == nil {
			s.logger.Info("session created", zap.String("session_id", session.ID), zap.String("owner_id", ownerID))
			return session, nil
		}
		if !appErrors.IsKind(err, appErrors.ErrConflict) {
			return nil, err
		}
		// either another call created the owner's session or the code was claimed in between
		if winner, findErr := s.sessions.FindByOwner(ctx, ownerID); findErr == nil {
			return winner, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "could not allocate a unique join code")
}

// NormalizeJoinCode validates a join code and returns its canonical uppercase form.
func NormalizeJoinCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !joinCodePattern.MatchString(code) {
		return "", appErrors.Clone(appErrors.ErrInvalidInput, "join code must be 4 to 8 letters or digits")
	}
	return strings.ToUpper(code), nil
}

// JoinByCode resolves a join code to its session.
func (s *SessionService) JoinByCode(ctx context.Context, code string) (*models.Session, error) {
	normalized, err := NormalizeJoinCode(code)
	if err != nil {
		return nil, err
	}
	key := joinCacheKey(normalized)
	if s.cache != nil {
		var cached models.Session
		if s.cache.Get(ctx, key, &cached) && cached.ID != "" {
			return &cached, nil
		}
	}
	session, err := s.sessions.FindByCode(ctx, normalized)
	if err != nil {
		if appErrors.IsKind(err, appErrors.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no class is using that code")
		}
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, session, s.cfg.CacheTTL)
	}
	return session, nil
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}
	return s.sessions.Get(ctx, id)
}

// Teardown deletes every question of the session and then the session with its claims.
// Tearing down a session that no longer exists succeeds.
func (s *SessionService) Teardown(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}
	removed, err := s.questions.DeleteBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if appErrors.IsKind(err, appErrors.ErrNotFound) {
			s.logger.Debug("teardown of missing session", zap.String("session_id", sessionID), zap.Int("questions_removed", removed))
			return nil
		}
		return err
	}
	if err := s.sessions.Delete(ctx, session); err != nil {
		if appErrors.IsKind(err, appErrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, joinCacheKey(session.JoinCode))
	}
	for _, hook := range s.onClose {
		hook(ctx, *session)
	}
	s.logger.Info("session torn down", zap.String("session_id", sessionID), zap.Int("questions_removed", removed))
	return nil
}

// WatchSession reports each change of the session's existence. The callback receives
// Closed=true once the session is gone.
func (s *SessionService) WatchSession(ctx context.Context, sessionID string, fn func(models.SessionEvent, error)) (realtime.Subscription, error) {
	if sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}
	return s.sessions.SubscribeSession(ctx, sessionID, func(exists bool, err error) {
		if err != nil {
			fn(models.SessionEvent{SessionID: sessionID}, err)
			return
		}
		fn(models.SessionEvent{SessionID: sessionID, Closed: !exists}, nil)
	})
}

func joinCacheKey(code string) string {
	return fmt.Sprintf("join:%s", code)
}

func generateJoinCode(length int) (string, error) {
	max := big.NewInt(int64(len(JoinCodeAlphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(JoinCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
