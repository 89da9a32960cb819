package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/relay"
	"github.com/noah-isme/asknon-api/internal/repository"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
	"github.com/noah-isme/asknon-api/pkg/jobs"
)

const jobTypePendingCount = "pending_count"

type companionRelay interface {
	Advertise(ctx context.Context, capability string) error
	Withdraw(ctx context.Context, capability string) error
	DiscoverNodes(ctx context.Context, capability string) ([]relay.Node, error)
	Send(ctx context.Context, nodeID, path string, payload []byte) error
	OnReceive(path string, handler relay.Handler) relay.Registration
}

type activeSessions interface {
	SubscribeAll(ctx context.Context, fn repository.SessionsFunc) (realtime.Subscription, error)
}

type companionModeration interface {
	AddView(ctx context.Context, sessionID string, fn ViewFunc) (realtime.Subscription, error)
	PendingCount(ctx context.Context, sessionID string) (int, error)
	ApproveAll(ctx context.Context, sessionID string) (int, error)
}

// CompanionSyncConfig tunes the push queue and relay calls.
type CompanionSyncConfig struct {
	Workers      int
	Retries      int
	RetryDelay   time.Duration
	RelayTimeout time.Duration
}

type pushTarget struct {
	SessionID string
	NodeID    string
}

type trackedSession struct {
	view  realtime.Subscription
	count int
	known bool
}

// CompanionSync bridges moderation state to companion devices: it advertises the primary
// capability of every open session, pushes the pending count whenever it changes and
// executes approve-all commands coming from companions.
type CompanionSync struct {
	relay      companionRelay
	sessions   activeSessions
	moderation companionModeration
	metrics    *MetricsService
	logger     *zap.Logger
	cfg        CompanionSyncConfig
	queue      *jobs.Queue

	mu      sync.Mutex
	ctx     context.Context
	tracked map[string]*trackedSession
	regs    []relay.Registration
	feed    realtime.Subscription
	running bool
}

// NewCompanionSync constructs the bridge. Start must be called before it does anything.
func NewCompanionSync(r companionRelay, sessions activeSessions, moderation companionModeration, metrics *MetricsService, cfg CompanionSyncConfig, logger *zap.Logger) *CompanionSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = 2 * time.Second
	}
	s := &CompanionSync{
		relay:      r,
		sessions:   sessions,
		moderation: moderation,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		tracked:    make(map[string]*trackedSession),
	}
	s.queue = jobs.NewQueue("companion-push", s.handlePush, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		RetryDelay: cfg.RetryDelay,
		Retryable:  appErrors.Retryable,
		Logger:     logger,
	})
	return s
}

// Start begins following sessions. It returns once the session subscription is open.
func (s *CompanionSync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()

	s.queue.Start(ctx)
	regs := []relay.Registration{
		s.relay.OnReceive(relay.PathRequestCount, s.handleCountRequest),
		s.relay.OnReceive(relay.PathApproveAll, s.handleApproveAll),
	}
	feed, err := s.sessions.SubscribeAll(ctx, s.syncSessions)
	if err != nil {
		for _, reg := range regs {
			reg.Cancel()
		}
		s.queue.Stop()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.regs = regs
	s.feed = feed
	s.mu.Unlock()
	return nil
}

// Stop withdraws every advertised capability and stops pushes.
func (s *CompanionSync) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	feed, regs := s.feed, s.regs
	tracked := s.tracked
	s.tracked = make(map[string]*trackedSession)
	s.feed, s.regs = nil, nil
	s.mu.Unlock()

	if feed != nil {
		feed.Cancel()
	}
	for _, reg := range regs {
		reg.Cancel()
	}
	for sessionID, t := range tracked {
		s.release(ctx, sessionID, t)
	}
	s.queue.Stop()
}

// Tracked reports whether the session is currently bridged.
func (s *CompanionSync) Tracked(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracked[sessionID]
	return ok
}

func (s *CompanionSync) syncSessions(sessions []models.Session, err error) {
	if err != nil {
		s.logger.Warn("session feed interrupted", zap.Error(err))
		return
	}
	open := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		open[session.ID] = struct{}{}
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	var added []string
	for id := range open {
		if _, ok := s.tracked[id]; !ok {
			s.tracked[id] = &trackedSession{}
			added = append(added, id)
		}
	}
	closed := make(map[string]*trackedSession)
	for id, t := range s.tracked {
		if _, ok := open[id]; !ok {
			closed[id] = t
			delete(s.tracked, id)
		}
	}
	s.mu.Unlock()

	for id, t := range closed {
		s.release(ctx, id, t)
		s.metrics.ForgetSession(id)
		s.logger.Info("companion bridge closed", zap.String("session_id", id))
	}
	for _, id := range added {
		s.track(ctx, id)
	}
}

func (s *CompanionSync) track(ctx context.Context, sessionID string) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
	if err := s.relay.Advertise(callCtx, relay.PrimaryCapability(sessionID)); err != nil {
		s.logger.Info("advertise primary failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	cancel()

	view, err := s.moderation.AddView(ctx, sessionID, func(v ModerationView) { s.onView(sessionID, v) })
	if err != nil {
		s.logger.Warn("watch session failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	if ok && s.running {
		t.view = view
		s.mu.Unlock()
		s.logger.Info("companion bridge opened", zap.String("session_id", sessionID))
		return
	}
	s.mu.Unlock()
	view.Cancel()
}

func (s *CompanionSync) release(ctx context.Context, sessionID string, t *trackedSession) {
	if t.view != nil {
		t.view.Cancel()
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RelayTimeout)
	defer cancel()
	if err := s.relay.Withdraw(callCtx, relay.PrimaryCapability(sessionID)); err != nil {
		s.logger.Info("withdraw primary failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *CompanionSync) onView(sessionID string, v ModerationView) {
	if v.Err != nil {
		return
	}
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	if !ok || (t.known && t.count == v.Counts.Pending) {
		s.mu.Unlock()
		return
	}
	t.count, t.known = v.Counts.Pending, true
	ctx := s.ctx
	s.mu.Unlock()

	s.pushSession(ctx, sessionID)
}

// pushSession schedules a count push to every companion of the session.
func (s *CompanionSync) pushSession(ctx context.Context, sessionID string) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
	nodes, err := s.relay.DiscoverNodes(callCtx, relay.CompanionCapability(sessionID))
	cancel()
	if err != nil {
		s.logger.Info("companion discovery failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.metrics.SetReachableCompanions(sessionID, len(nodes))
	for _, node := range nodes {
		s.enqueuePush(sessionID, node.ID)
	}
}

func (s *CompanionSync) enqueuePush(sessionID, nodeID string) {
	job := jobs.Job{
		ID:      uuid.NewString(),
		Key:     fmt.Sprintf("%s:%s:%s", jobTypePendingCount, sessionID, nodeID),
		Type:    jobTypePendingCount,
		Payload: pushTarget{SessionID: sessionID, NodeID: nodeID},
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Info("count push not queued", zap.String("session_id", sessionID), zap.String("node_id", nodeID), zap.Error(err))
	}
}

// handlePush reads the count when the job runs, so a retried push never sends a stale value.
func (s *CompanionSync) handlePush(ctx context.Context, job jobs.Job) error {
	target, ok := job.Payload.(pushTarget)
	if !ok {
		return appErrors.Clone(appErrors.ErrInternal, "unexpected push payload")
	}
	if !s.Tracked(target.SessionID) {
		return nil
	}
	n, err := s.moderation.PendingCount(ctx, target.SessionID)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
	defer cancel()
	if err := s.relay.Send(callCtx, target.NodeID, relay.PathPendingCount, relay.EncodeCount(n)); err != nil {
		s.logger.Info("count push failed",
			zap.String("session_id", target.SessionID),
			zap.String("node_id", target.NodeID),
			zap.Int("attempt", job.Attempt+1),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *CompanionSync) handleCountRequest(msg relay.Message) {
	sessionID, ok := s.sessionOf(msg.Source)
	if !ok {
		s.logger.Debug("count request from unknown companion", zap.String("node_id", msg.Source))
		return
	}
	s.enqueuePush(sessionID, msg.Source)
}

func (s *CompanionSync) handleApproveAll(msg relay.Message) {
	sessionID, ok := s.sessionOf(msg.Source)
	if !ok {
		s.logger.Info("approve all from unknown companion", zap.String("node_id", msg.Source))
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	n, err := s.moderation.ApproveAll(ctx, sessionID)
	if err != nil {
		s.logger.Warn("approve all from companion failed", zap.String("session_id", sessionID), zap.String("node_id", msg.Source), zap.Error(err))
		return
	}
	s.logger.Info("approve all from companion", zap.String("session_id", sessionID), zap.String("node_id", msg.Source), zap.Int("approved", n))
}

// sessionOf finds the tracked session whose companion capability the node advertises.
func (s *CompanionSync) sessionOf(nodeID string) (string, bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", false
	}
	ctx := s.ctx
	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
		nodes, err := s.relay.DiscoverNodes(callCtx, relay.CompanionCapability(id))
		cancel()
		if err != nil {
			s.logger.Info("companion discovery failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		for _, node := range nodes {
			if node.ID == nodeID {
				return id, true
			}
		}
	}
	return "", false
}
