package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/realtime"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

const (
	questionsCollection = "questions"

	fieldSessionID = "session_id"
	fieldAuthorID  = "author_id"
	fieldStatus    = "status"
	fieldAnswer    = "answer_text"

	defaultBatchLimit = 500
)

// QuestionsFunc receives a decoded, display-ordered question set or a subscription error.
type QuestionsFunc func([]models.Question, error)

// BatchObserver receives timing for multi-document writes.
type BatchObserver interface {
	ObserveStoreBatch(op string, size int, duration time.Duration, err error)
}

// PartialBatchError reports a chunked batch where some chunks committed before one failed.
type PartialBatchError struct {
	Applied int
	Failed  int
	Err     error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch partially applied: %d applied, %d failed: %v", e.Applied, e.Failed, e.Err)
}

func (e *PartialBatchError) Unwrap() error {
	return e.Err
}

// QuestionRepository stores questions as realtime documents.
type QuestionRepository struct {
	store      realtime.Store
	batchLimit int
	observer   BatchObserver
	logger     *zap.Logger
	now        func() time.Time
}

// NewQuestionRepository constructs the repository. batchLimit caps the writes per commit.
func NewQuestionRepository(store realtime.Store, batchLimit int, logger *zap.Logger) *QuestionRepository {
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionRepository{
		store:      store,
		batchLimit: batchLimit,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver attaches batch instrumentation.
func (r *QuestionRepository) WithObserver(observer BatchObserver) *QuestionRepository {
	r.observer = observer
	return r
}

func questionRef(id string) realtime.Ref {
	return realtime.Ref{Collection: questionsCollection, ID: id}
}

// storeError maps realtime store failures onto the application error kinds.
func storeError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, realtime.ErrNotFound):
		return appErrors.WrapKind(err, appErrors.ErrNotFound, message)
	case errors.Is(err, realtime.ErrAlreadyExists):
		return appErrors.WrapKind(err, appErrors.ErrConflict, message)
	default:
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return appErrors.WrapKind(err, appErrors.ErrStoreUnavailable, "")
	}
}

// Submit stores a new pending question.
func (r *QuestionRepository) Submit(ctx context.Context, sessionID, authorID, text string) (*models.Question, error) {
	text = models.NormalizeQuestionText(text)
	if len([]rune(text)) < models.MinQuestionLength {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("question must be at least %d characters", models.MinQuestionLength))
	}
	if sessionID == "" || authorID == "" {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "session and author are required")
	}

	createdAt := r.now()
	question := &models.Question{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AuthorID:  authorID,
		Text:      text,
		Status:    models.StatusPending,
		CreatedAt: &createdAt,
	}
	if err := r.store.Put(ctx, questionRef(question.ID), question); err != nil {
		return nil, storeError(err, "failed to submit question")
	}
	return question, nil
}

// Get loads a single question.
func (r *QuestionRepository) Get(ctx context.Context, id string) (*models.Question, error) {
	doc, err := r.store.Get(ctx, questionRef(id))
	if err != nil {
		return nil, storeError(err, "question not found")
	}
	q, err := decodeQuestion(doc)
	if err != nil {
		r.logger.Warn("corrupt question document", zap.String("question_id", id), zap.Error(err))
		return nil, appErrors.WrapKind(err, appErrors.ErrCorrupt, "")
	}
	return &q, nil
}

// ListByStatus returns the current questions of a session in a status, newest first.
func (r *QuestionRepository) ListByStatus(ctx context.Context, sessionID string, status models.QuestionStatus) ([]models.Question, error) {
	docs, err := r.store.Query(ctx, questionsCollection, statusFilters(sessionID, status)...)
	if err != nil {
		return nil, storeError(err, "failed to list questions")
	}
	return r.decodeAll(docs), nil
}

// ListBySession returns every question of a session regardless of status.
func (r *QuestionRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Question, error) {
	docs, err := r.store.Query(ctx, questionsCollection, realtime.Where(fieldSessionID, sessionID))
	if err != nil {
		return nil, storeError(err, "failed to list questions")
	}
	return r.decodeAll(docs), nil
}

// SubscribeByStatus opens a live query; fn fires with the current set and after every change.
func (r *QuestionRepository) SubscribeByStatus(ctx context.Context, sessionID string, status models.QuestionStatus, fn QuestionsFunc) (realtime.Subscription, error) {
	return r.subscribe(ctx, statusFilters(sessionID, status), fn)
}

// SubscribeByAuthor opens a live query over one student's questions in a session.
func (r *QuestionRepository) SubscribeByAuthor(ctx context.Context, sessionID, authorID string, fn QuestionsFunc) (realtime.Subscription, error) {
	filters := []realtime.Filter{
		realtime.Where(fieldSessionID, sessionID),
		realtime.Where(fieldAuthorID, authorID),
	}
	return r.subscribe(ctx, filters, fn)
}

func (r *QuestionRepository) subscribe(ctx context.Context, filters []realtime.Filter, fn QuestionsFunc) (realtime.Subscription, error) {
	sub, err := r.store.Subscribe(ctx, questionsCollection, filters, func(snap realtime.Snapshot, err error) {
		if err != nil {
			fn(nil, storeError(err, "subscription interrupted"))
			return
		}
		fn(r.decodeAll(snap.Documents), nil)
	})
	if err != nil {
		return nil, storeError(err, "failed to subscribe to questions")
	}
	return sub, nil
}

// Transition moves one question to next. Rejecting deletes the document.
func (r *QuestionRepository) Transition(ctx context.Context, id string, next models.QuestionStatus, answerText *string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(next) {
		return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move question from %s to %s", current.Status, next))
	}

	batch := r.store.Batch()
	if next == models.StatusRejected {
		batch.Delete(questionRef(id))
	} else {
		fields := map[string]interface{}{fieldStatus: string(next)}
		if answerText != nil {
			fields[fieldAnswer] = *answerText
		}
		batch.Update(questionRef(id), fields)
	}
	if err := batch.Commit(ctx); err != nil {
		return storeError(err, "question not found")
	}
	return nil
}

// Remove deletes a question.
func (r *QuestionRepository) Remove(ctx context.Context, id string) error {
	if _, err := r.store.Get(ctx, questionRef(id)); err != nil {
		return storeError(err, "question not found")
	}
	if err := r.store.Batch().Delete(questionRef(id)).Commit(ctx); err != nil {
		return storeError(err, "failed to remove question")
	}
	return nil
}

// BatchTransition moves every question of a session in from to to. Each chunk of at most
// batchLimit questions commits atomically; a failure after an earlier chunk committed is
// returned as a *PartialBatchError.
func (r *QuestionRepository) BatchTransition(ctx context.Context, sessionID string, from, to models.QuestionStatus) (int, error) {
	if !from.CanTransition(to) {
		return 0, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move questions from %s to %s", from, to))
	}
	docs, err := r.store.Query(ctx, questionsCollection, statusFilters(sessionID, from)...)
	if err != nil {
		return 0, storeError(err, "failed to load questions")
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return r.chunked(ctx, "transition", ids, func(b realtime.Batch, id string) {
		if to == models.StatusRejected {
			b.Delete(questionRef(id))
			return
		}
		b.Update(questionRef(id), map[string]interface{}{fieldStatus: string(to)})
	})
}

// DeleteBySession removes every question of a session.
func (r *QuestionRepository) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	docs, err := r.store.Query(ctx, questionsCollection, realtime.Where(fieldSessionID, sessionID))
	if err != nil {
		return 0, storeError(err, "failed to load questions")
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return r.chunked(ctx, "delete", ids, func(b realtime.Batch, id string) {
		b.Delete(questionRef(id))
	})
}

func (r *QuestionRepository) chunked(ctx context.Context, op string, ids []string, add func(realtime.Batch, string)) (int, error) {
	applied := 0
	for start := 0; start < len(ids); start += r.batchLimit {
		end := start + r.batchLimit
		if end > len(ids) {
			end = len(ids)
		}
		batch := r.store.Batch()
		for _, id := range ids[start:end] {
			add(batch, id)
		}

		began := time.Now()
		err := batch.Commit(ctx)
		if r.observer != nil {
			r.observer.ObserveStoreBatch(op, end-start, time.Since(began), err)
		}
		if err != nil {
			mapped := storeError(err, "a question changed while the batch was running")
			if applied == 0 {
				return 0, mapped
			}
			r.logger.Warn("batch partially applied",
				zap.String("op", op),
				zap.Int("applied", applied),
				zap.Int("failed", len(ids)-applied),
				zap.Error(err))
			return applied, &PartialBatchError{Applied: applied, Failed: len(ids) - applied, Err: mapped}
		}
		applied = end
	}
	return applied, nil
}

func statusFilters(sessionID string, status models.QuestionStatus) []realtime.Filter {
	return []realtime.Filter{
		realtime.Where(fieldSessionID, sessionID),
		realtime.Where(fieldStatus, string(status)),
	}
}

func decodeQuestion(doc realtime.Document) (models.Question, error) {
	var q models.Question
	if err := doc.Decode(&q); err != nil {
		return models.Question{}, err
	}
	if q.ID == "" {
		q.ID = doc.ID
	}
	if !q.Status.Valid() {
		return models.Question{}, fmt.Errorf("question %s has unknown status %q", doc.ID, q.Status)
	}
	q.Seq = doc.Seq
	return q, nil
}

// decodeAll skips documents that do not decode so one bad record never blanks a view.
func (r *QuestionRepository) decodeAll(docs []realtime.Document) []models.Question {
	out := make([]models.Question, 0, len(docs))
	for _, doc := range docs {
		q, err := decodeQuestion(doc)
		if err != nil {
			r.logger.Warn("skipping corrupt question document", zap.String("question_id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	return out
}
