package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/repository"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type moderationRepository interface {
	Get(ctx context.Context, id string) (*models.Question, error)
	ListByStatus(ctx context.Context, sessionID string, status models.QuestionStatus) ([]models.Question, error)
	SubscribeByStatus(ctx context.Context, sessionID string, status models.QuestionStatus, fn repository.QuestionsFunc) (realtime.Subscription, error)
	Transition(ctx context.Context, id string, next models.QuestionStatus, answerText *string) error
	BatchTransition(ctx context.Context, sessionID string, from, to models.QuestionStatus) (int, error)
}

// ModerationView is the teacher's live picture of one session.
type ModerationView struct {
	SessionID string                `json:"session_id"`
	Pending   []models.Question     `json:"pending"`
	Approved  []models.Question     `json:"approved"`
	Counts    models.QuestionCounts `json:"counts"`
	Projected *models.Question      `json:"projected,omitempty"`
	// Err is set when a subscription could not refresh; the lists keep their last value.
	Err error `json:"-"`
}

// ViewFunc receives every change of a watched session.
type ViewFunc func(ModerationView)

// ModerationServiceConfig tunes batch moderation.
type ModerationServiceConfig struct {
	ApproveAllRetries int
}

// ModerationService applies teacher actions to questions and keeps live views of the
// sessions being moderated.
type ModerationService struct {
	questions moderationRepository
	metrics   *MetricsService
	logger    *zap.Logger
	retries   int

	mu      sync.Mutex
	watches map[string]*sessionWatch
}

// NewModerationService constructs a ModerationService.
func NewModerationService(questions moderationRepository, metrics *MetricsService, cfg ModerationServiceConfig, logger *zap.Logger) *ModerationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ApproveAllRetries < 0 {
		cfg.ApproveAllRetries = 0
	}
	return &ModerationService{
		questions: questions,
		metrics:   metrics,
		logger:    logger,
		retries:   cfg.ApproveAllRetries,
		watches:   make(map[string]*sessionWatch),
	}
}

// Question loads one question, for ownership checks before an action.
func (s *ModerationService) Question(ctx context.Context, questionID string) (*models.Question, error) {
	if questionID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "question id is required")
	}
	return s.questions.Get(ctx, questionID)
}

// Approve clears a pending question for display. Approving an approved question is an
// invalid transition.
func (s *ModerationService) Approve(ctx context.Context, questionID string) error {
	err := s.transition(ctx, questionID, models.StatusPending, models.StatusApproved, nil)
	s.record("approve", err)
	return err
}

// Answer approves a pending question and stores the teacher's answer with it.
func (s *ModerationService) Answer(ctx context.Context, questionID, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		err := appErrors.Clone(appErrors.ErrInvalidInput, "answer must not be empty")
		s.record("answer", err)
		return err
	}
	err := s.transition(ctx, questionID, models.StatusPending, models.StatusApproved, &answer)
	s.record("answer", err)
	return err
}

// Reject deletes a pending question.
func (s *ModerationService) Reject(ctx context.Context, questionID string) error {
	err := s.transition(ctx, questionID, models.StatusPending, models.StatusRejected, nil)
	s.record("reject", err)
	return err
}

// Delete removes an approved question, clearing it from the projection.
func (s *ModerationService) Delete(ctx context.Context, questionID string) error {
	err := s.transition(ctx, questionID, models.StatusApproved, models.StatusRejected, nil)
	s.record("delete", err)
	return err
}

func (s *ModerationService) transition(ctx context.Context, id string, from, to models.QuestionStatus, answer *string) error {
	if id == "" {
		return appErrors.Clone(appErrors.ErrInvalidInput, "question id is required")
	}
	current, err := s.questions.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != from {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("question is %s", current.Status))
	}
	return s.questions.Transition(ctx, id, to, answer)
}

// ApproveAll approves every pending question of the session in one atomic batch and
// returns how many moved. A question that vanished between the query and the commit
// aborts that attempt; the batch is retried on a fresh query.
func (s *ModerationService) ApproveAll(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}
	var (
		n   int
		err error
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		n, err = s.questions.BatchTransition(ctx, sessionID, models.StatusPending, models.StatusApproved)
		var partial *repository.PartialBatchError
		if err == nil || errors.As(err, &partial) || !appErrors.IsKind(err, appErrors.ErrNotFound) {
			break
		}
		s.logger.Debug("approve all raced a removal, retrying", zap.String("session_id", sessionID), zap.Int("attempt", attempt+1))
	}
	s.record("approve_all", err)
	if err != nil {
		return n, err
	}
	s.logger.Info("approved all pending questions", zap.String("session_id", sessionID), zap.Int("count", n))
	return n, nil
}

// PendingCount returns the number of pending questions. Watched sessions answer from the
// live subscription; others run a query.
func (s *ModerationService) PendingCount(ctx context.Context, sessionID string) (int, error) {
	if n, ok := s.CachedPendingCount(sessionID); ok {
		return n, nil
	}
	pending, err := s.questions.ListByStatus(ctx, sessionID, models.StatusPending)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// CachedPendingCount reports the live pending count of a watched session.
func (s *ModerationService) CachedPendingCount(sessionID string) (int, bool) {
	s.mu.Lock()
	w := s.watches[sessionID]
	s.mu.Unlock()
	if w == nil {
		return 0, false
	}
	return w.pendingCount()
}

// Projection returns the approved question shown on the class display, or nil when
// nothing is approved.
func (s *ModerationService) Projection(ctx context.Context, sessionID string) (*models.Question, error) {
	approved, err := s.questions.ListByStatus(ctx, sessionID, models.StatusApproved)
	if err != nil {
		return nil, err
	}
	return projected(approved), nil
}

// Watch keeps live pending and approved subscriptions open for the session until the
// returned handle is cancelled.
func (s *ModerationService) Watch(ctx context.Context, sessionID string) (realtime.Subscription, error) {
	return s.AddView(ctx, sessionID, nil)
}

// AddView registers fn for every change of the session. The current view is delivered as
// soon as both subscriptions have reported. Subscriptions are shared between views and
// closed when the last handle is cancelled.
func (s *ModerationService) AddView(ctx context.Context, sessionID string, fn ViewFunc) (realtime.Subscription, error) {
	if sessionID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}

	s.mu.Lock()
	w, ok := s.watches[sessionID]
	if !ok {
		w = newSessionWatch(sessionID, s.logger, s.metrics)
		s.watches[sessionID] = w
	}
	id := w.addView(fn)
	s.mu.Unlock()

	if !ok {
		if err := w.open(ctx, s.questions); err != nil {
			s.abandon(w, err)
			return nil, err
		}
	} else {
		if err := w.wait(ctx); err != nil {
			s.release(w, id)
			return nil, err
		}
		w.replay(id)
	}
	return &viewHandle{cancel: func() { s.release(w, id) }}, nil
}

func (s *ModerationService) release(w *sessionWatch, id int) {
	s.mu.Lock()
	last := w.removeView(id)
	if last && s.watches[w.sessionID] == w {
		delete(s.watches, w.sessionID)
	}
	s.mu.Unlock()
	if last {
		w.close()
	}
}

// abandon drops a watch that failed to open, whatever views joined it meanwhile. Those
// views receive err from their AddView call.
func (s *ModerationService) abandon(w *sessionWatch, err error) {
	s.mu.Lock()
	if s.watches[w.sessionID] == w {
		delete(s.watches, w.sessionID)
	}
	s.mu.Unlock()
	w.fail(err)
	s.logger.Warn("moderation watch failed to open", zap.String("session_id", w.sessionID), zap.Error(err))
}

// Close cancels every open watch.
func (s *ModerationService) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]*sessionWatch)
	s.mu.Unlock()
	for _, w := range watches {
		w.close()
	}
}

func (s *ModerationService) record(action string, err error) {
	s.metrics.RecordModeration(action, err)
}

type viewHandle struct {
	once   sync.Once
	cancel func()
}

func (h *viewHandle) Cancel() {
	h.once.Do(h.cancel)
}

// sessionWatch merges the pending and approved subscriptions of one session. Deliveries
// to views are serialized.
type sessionWatch struct {
	sessionID string
	logger    *zap.Logger
	metrics   *MetricsService

	mu           sync.Mutex
	views        map[int]ViewFunc
	nextID       int
	subs         []realtime.Subscription
	pending      []models.Question
	approved     []models.Question
	havePending  bool
	haveApproved bool
	closed       bool
	openErr      error

	// opened is closed once open finished, successfully or not
	opened  chan struct{}
	deliver sync.Mutex
}

func newSessionWatch(sessionID string, logger *zap.Logger, metrics *MetricsService) *sessionWatch {
	return &sessionWatch{
		sessionID: sessionID,
		logger:    logger,
		metrics:   metrics,
		views:     make(map[int]ViewFunc),
		opened:    make(chan struct{}),
	}
}

func (w *sessionWatch) open(ctx context.Context, repo moderationRepository) error {
	pendingSub, err := repo.SubscribeByStatus(ctx, w.sessionID, models.StatusPending, func(qs []models.Question, err error) {
		w.update(models.StatusPending, qs, err)
	})
	if err != nil {
		return err
	}
	approvedSub, err := repo.SubscribeByStatus(ctx, w.sessionID, models.StatusApproved, func(qs []models.Question, err error) {
		w.update(models.StatusApproved, qs, err)
	})
	if err != nil {
		pendingSub.Cancel()
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		pendingSub.Cancel()
		approvedSub.Cancel()
		close(w.opened)
		return nil
	}
	w.subs = []realtime.Subscription{pendingSub, approvedSub}
	w.mu.Unlock()
	close(w.opened)
	return nil
}

// fail closes a watch whose open failed and forgets anything its subscriptions reported.
func (w *sessionWatch) fail(err error) {
	w.mu.Lock()
	w.openErr = err
	w.closed = true
	w.pending, w.approved = nil, nil
	w.havePending, w.haveApproved = false, false
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
	close(w.opened)
}

// wait blocks until the watch finished opening and returns the open error, if any.
func (w *sessionWatch) wait(ctx context.Context) error {
	select {
	case <-w.opened:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openErr
}

func (w *sessionWatch) addView(fn ViewFunc) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	w.views[w.nextID] = fn
	return w.nextID
}

// removeView reports whether the last view is gone.
func (w *sessionWatch) removeView(id int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.views, id)
	return len(w.views) == 0
}

func (w *sessionWatch) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

func (w *sessionWatch) pendingCount() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.havePending {
		return 0, false
	}
	return len(w.pending), true
}

func (w *sessionWatch) update(status models.QuestionStatus, qs []models.Question, err error) {
	w.deliver.Lock()
	defer w.deliver.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if err != nil {
		w.logger.Warn("moderation subscription failed",
			zap.String("session_id", w.sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	} else if status == models.StatusPending {
		w.pending, w.havePending = qs, true
	} else {
		w.approved, w.haveApproved = qs, true
	}
	ready := w.havePending && w.haveApproved
	havePending := w.havePending
	view := w.viewLocked(err)
	fns := make([]ViewFunc, 0, len(w.views))
	for _, id := range sortedViewIDs(w.views) {
		if fn := w.views[id]; fn != nil {
			fns = append(fns, fn)
		}
	}
	w.mu.Unlock()

	if havePending {
		w.metrics.SetPendingCount(w.sessionID, view.Counts.Pending)
	}
	if !ready && err == nil {
		return
	}
	for _, fn := range fns {
		fn(view)
	}
}

// replay sends the current view to a view that joined an already open watch.
func (w *sessionWatch) replay(id int) {
	w.deliver.Lock()
	defer w.deliver.Unlock()

	w.mu.Lock()
	fn := w.views[id]
	ready := w.havePending && w.haveApproved
	view := w.viewLocked(nil)
	w.mu.Unlock()
	if fn != nil && ready {
		fn(view)
	}
}

func (w *sessionWatch) viewLocked(err error) ModerationView {
	view := ModerationView{
		SessionID: w.sessionID,
		Pending:   append([]models.Question(nil), w.pending...),
		Approved:  append([]models.Question(nil), w.approved...),
		Err:       err,
	}
	view.Counts = countQuestions(view.Pending, view.Approved)
	view.Projected = projected(view.Approved)
	return view
}

func countQuestions(pending, approved []models.Question) models.QuestionCounts {
	counts := models.QuestionCounts{Pending: len(pending), Approved: len(approved)}
	for _, q := range approved {
		if q.HasAnswer() {
			counts.Answered++
		}
	}
	return counts
}

// projected picks the newest approved question by display order.
func projected(approved []models.Question) *models.Question {
	var best *models.Question
	for i := range approved {
		if best == nil || approved[i].NewerThan(*best) {
			q := approved[i]
			best = &q
		}
	}
	return best
}

func sortedViewIDs(views map[int]ViewFunc) []int {
	ids := make([]int, 0, len(views))
	for id := range views {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
