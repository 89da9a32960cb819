package repository

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

const (
	sessionsCollection = "sessions"
	// claim documents make owner and join code unique: the store rejects a second create.
	ownersCollection    = "session_owners"
	joinCodesCollection = "join_codes"
)

type sessionClaim struct {
	SessionID string `json:"session_id"`
}

// SessionsFunc receives the current set of sessions or a subscription error.
type SessionsFunc func([]models.Session, error)

// SessionRepository persists sessions and their uniqueness claims.
type SessionRepository struct {
	store  realtime.Store
	logger *zap.Logger
}

// NewSessionRepository constructs a session repository.
func NewSessionRepository(store realtime.Store, logger *zap.Logger) *SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRepository{store: store, logger: logger}
}

func sessionRef(id string) realtime.Ref {
	return realtime.Ref{Collection: sessionsCollection, ID: id}
}

// Create writes the session and both claims atomically. A taken owner or code fails with
// a CONFLICT error and nothing is written.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	claim := sessionClaim{SessionID: session.ID}
	err := r.store.Batch().
		Create(realtime.Ref{Collection: ownersCollection, ID: session.OwnerID}, claim).
		Create(realtime.Ref{Collection: joinCodesCollection, ID: session.JoinCode}, claim).
		Create(sessionRef(session.ID), session).
		Commit(ctx)
	if err != nil {
		return storeError(err, "session owner or join code already taken")
	}
	return nil
}

// Get loads a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	doc, err := r.store.Get(ctx, sessionRef(id))
	if err != nil {
		return nil, storeError(err, "session not found")
	}
	var session models.Session
	if err := doc.Decode(&session); err != nil {
		r.logger.Warn("corrupt session document", zap.String("session_id", id), zap.Error(err))
		return nil, appErrors.WrapKind(err, appErrors.ErrCorrupt, "")
	}
	if session.ID == "" {
		session.ID = doc.ID
	}
	return &session, nil
}

// FindByOwner resolves the active session of a teacher.
func (r *SessionRepository) FindByOwner(ctx context.Context, ownerID string) (*models.Session, error) {
	return r.resolve(ctx, realtime.Ref{Collection: ownersCollection, ID: ownerID})
}

// FindByCode resolves a session from a normalized join code.
func (r *SessionRepository) FindByCode(ctx context.Context, code string) (*models.Session, error) {
	return r.resolve(ctx, realtime.Ref{Collection: joinCodesCollection, ID: code})
}

// CodeTaken reports whether a join code is already claimed.
func (r *SessionRepository) CodeTaken(ctx context.Context, code string) (bool, error) {
	_, err := r.store.Get(ctx, realtime.Ref{Collection: joinCodesCollection, ID: code})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, realtime.ErrNotFound):
		return false, nil
	default:
		return false, storeError(err, "")
	}
}

func (r *SessionRepository) resolve(ctx context.Context, claimRef realtime.Ref) (*models.Session, error) {
	doc, err := r.store.Get(ctx, claimRef)
	if err != nil {
		return nil, storeError(err, "session not found")
	}
	var claim sessionClaim
	if err := doc.Decode(&claim); err != nil || claim.SessionID == "" {
		r.logger.Warn("corrupt session claim", zap.String("claim", claimRef.String()), zap.Error(err))
		return nil, appErrors.Clone(appErrors.ErrCorrupt, "")
	}
	return r.Get(ctx, claim.SessionID)
}

// Delete removes the session document with its claims in one batch.
func (r *SessionRepository) Delete(ctx context.Context, session *models.Session) error {
	err := r.store.Batch().
		Delete(sessionRef(session.ID)).
		Delete(realtime.Ref{Collection: ownersCollection, ID: session.OwnerID}).
		Delete(realtime.Ref{Collection: joinCodesCollection, ID: session.JoinCode}).
		Commit(ctx)
	if err != nil {
		return storeError(err, "failed to delete session")
	}
	return nil
}

// SubscribeSession fires with true while the session exists and false once it is gone.
func (r *SessionRepository) SubscribeSession(ctx context.Context, id string, fn func(exists bool, err error)) (realtime.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, sessionsCollection, []realtime.Filter{realtime.Where("id", id)}, func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(false, storeError(err, "subscription interrupted"))
			return
		}
		fn(len(snap.Documents) > 0, nil)
	})
	if err != nil {
		return nil, storeError(err, "failed to subscribe to session")
	}
	return sub, nil
}

// SubscribeAll fires with every active session, oldest first.
func (r *SessionRepository) SubscribeAll(ctx context.Context, fn SessionsFunc) (realtime.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, sessionsCollection, nil, func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, storeError(err, "subscription interrupted"))
			return
		}
		sessions := make([]models.Session, 0, len(snap.Documents))
		for _, doc := range snap.Documents {
			var s models.Session
			if err := doc.Decode(&s); err != nil {
				r.logger.Warn("skipping corrupt session document", zap.String("session_id", doc.ID), zap.Error(err))
				continue
			}
			sessions = append(sessions, s)
		}
		sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
		fn(sessions, nil)
	})
	if err != nil {
		return nil, storeError(err, "failed to subscribe to sessions")
	}
	return sub, nil
}
