// Package postgres implements the realtime store on a JSONB table. Live queries are
// refreshed from LISTEN/NOTIFY: every write notifies the collection it touched and each
// subscription on that collection re-runs its query.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/realtime"
)

// Schema creates the documents table.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_documents (
	seq BIGSERIAL NOT NULL,
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS realtime_documents_collection_seq_idx ON realtime_documents (collection, seq);
`

const selectColumns = "SELECT seq, collection, id, data, created_at, updated_at FROM realtime_documents"

// Listener is the subset of *pq.Listener the store uses.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// Options tunes the store.
type Options struct {
	Channel string
	Logger  *zap.Logger
}

// Store is a realtime.Store backed by Postgres.
type Store struct {
	db       *sqlx.DB
	listener Listener
	channel  string
	logger   *zap.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	collection string
	filters    []realtime.Filter
	feed       *realtime.Feed
}

type documentRow struct {
	Seq        int64     `db:"seq"`
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) toDocument() realtime.Document {
	return realtime.Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       json.RawMessage(r.Data),
		Seq:        r.Seq,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

var _ realtime.Store = (*Store)(nil)

// New starts listening on the notify channel and returns the store.
func New(db *sqlx.DB, listener Listener, opts Options) (*Store, error) {
	if opts.Channel == "" {
		opts.Channel = "realtime_changes"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := listener.Listen(opts.Channel); err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.Channel, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:       db,
		listener: listener,
		channel:  opts.Channel,
		logger:   opts.Logger,
		subs:     make(map[int]*subscription),
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// NewListener builds a reconnecting pq listener for dsn.
func NewListener(dsn string, logger *zap.Logger) *pq.Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("realtime listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("realtime listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("realtime listener reconnect failed", zap.Error(err))
		}
	})
}

// Migrate creates the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate realtime_documents: %w", err)
	}
	return nil
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%s: %w: %w", action, realtime.ErrUnavailable, err)
}

// Put upserts a document and notifies subscribers of its collection.
func (s *Store) Put(ctx context.Context, ref realtime.Ref, doc interface{}) error {
	if s.isClosed() {
		return realtime.ErrClosed
	}
	raw, err := realtime.Encode(doc)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin put", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO realtime_documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	if _, err := tx.ExecContext(ctx, query, ref.Collection, ref.ID, []byte(raw)); err != nil {
		return unavailable("put "+ref.String(), err)
	}
	if err := s.notify(ctx, tx, []string{ref.Collection}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit put", err)
	}
	return nil
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref realtime.Ref) (realtime.Document, error) {
	if s.isClosed() {
		return realtime.Document{}, realtime.ErrClosed
	}
	var row documentRow
	query := selectColumns + " WHERE collection = $1 AND id = $2"
	if err := s.db.GetContext(ctx, &row, query, ref.Collection, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return realtime.Document{}, realtime.ErrNotFound
		}
		return realtime.Document{}, unavailable("get "+ref.String(), err)
	}
	return row.toDocument(), nil
}

// Query returns matching documents ordered by arrival.
func (s *Store) Query(ctx context.Context, collection string, filters ...realtime.Filter) ([]realtime.Document, error) {
	if s.isClosed() {
		return nil, realtime.ErrClosed
	}
	query, args := buildQuery(collection, filters)
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("query "+collection, err)
	}
	docs := make([]realtime.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDocument())
	}
	return docs, nil
}

func buildQuery(collection string, filters []realtime.Filter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(selectColumns)
	b.WriteString(" WHERE collection = $1")
	args := []interface{}{collection}
	for _, f := range filters {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&b, " AND data->>$%d = $%d", len(args)-1, len(args))
	}
	b.WriteString(" ORDER BY seq ASC")
	return b.String(), args
}

// Subscribe registers a live query and delivers the current result set.
func (s *Store) Subscribe(ctx context.Context, collection string, filters []realtime.Filter, fn realtime.SnapshotFunc) (realtime.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	id := s.nextID
	s.nextID++
	sub := &subscription{collection: collection, filters: append([]realtime.Filter(nil), filters...)}
	sub.feed = realtime.NewFeed(fn, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
	// registered before the first read so a write racing the initial query still refreshes it;
	// the stamp keeps a slow initial read from overwriting a newer refresh
	s.subs[id] = sub
	stamp := sub.feed.BeginRead()
	s.mu.Unlock()

	docs, err := s.Query(ctx, collection, filters...)
	if err != nil {
		sub.feed.Cancel()
		return nil, err
	}
	sub.feed.PublishRead(stamp, docs)
	return sub.feed, nil
}

// Batch starts a transactional write batch.
func (s *Store) Batch() realtime.Batch {
	return realtime.NewOpBatch(s.commit)
}

func (s *Store) commit(ctx context.Context, ops []realtime.Op) error {
	if s.isClosed() {
		return realtime.ErrClosed
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin batch", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seen := make(map[string]struct{})
	var collections []string
	for _, op := range ops {
		if _, ok := seen[op.Ref.Collection]; !ok {
			seen[op.Ref.Collection] = struct{}{}
			collections = append(collections, op.Ref.Collection)
		}
		if err := applyOp(ctx, tx, op); err != nil {
			return err
		}
	}
	sort.Strings(collections)
	if err := s.notify(ctx, tx, collections); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit batch", err)
	}
	return nil
}

func applyOp(ctx context.Context, tx *sqlx.Tx, op realtime.Op) error {
	switch op.Kind {
	case realtime.OpCreate:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO realtime_documents (collection, id, data) VALUES ($1, $2, $3) ON CONFLICT (collection, id) DO NOTHING`,
			op.Ref.Collection, op.Ref.ID, []byte(op.Data))
		if err != nil {
			return unavailable("create "+op.Ref.String(), err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("create %s: %w", op.Ref, realtime.ErrAlreadyExists)
		}
	case realtime.OpUpdate:
		fields, err := json.Marshal(op.Fields)
		if err != nil {
			return fmt.Errorf("encode fields for %s: %w", op.Ref, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE realtime_documents SET data = data || $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2`,
			op.Ref.Collection, op.Ref.ID, fields)
		if err != nil {
			return unavailable("update "+op.Ref.String(), err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s: %w", op.Ref, realtime.ErrNotFound)
		}
	case realtime.OpDelete:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM realtime_documents WHERE collection = $1 AND id = $2`,
			op.Ref.Collection, op.Ref.ID); err != nil {
			return unavailable("delete "+op.Ref.String(), err)
		}
	default:
		return fmt.Errorf("unsupported batch op %s", op.Kind)
	}
	return nil
}

// notify is sent inside the write transaction; Postgres delivers it only on commit.
func (s *Store) notify(ctx context.Context, tx *sqlx.Tx, collections []string) error {
	for _, c := range collections {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, c); err != nil {
			return unavailable("notify "+c, err)
		}
	}
	return nil
}

func (s *Store) run(ctx context.Context) {
	defer s.wg.Done()
	notifications := s.listener.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// a nil notification follows a reconnect; anything may have been missed
			collection := ""
			if n != nil {
				collection = n.Extra
			}
			s.refresh(ctx, collection)
		}
	}
}

func (s *Store) refresh(ctx context.Context, collection string) {
	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if collection == "" || sub.collection == collection {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		stamp := sub.feed.BeginRead()
		docs, err := s.Query(ctx, sub.collection, sub.filters...)
		if err != nil {
			if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("refresh subscription", zap.String("collection", sub.collection), zap.Error(err))
			sub.feed.FailRead(stamp, err)
			continue
		}
		sub.feed.PublishRead(stamp, docs)
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener and cancels every subscription. The database handle is owned
// by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := make([]*realtime.Feed, 0, len(s.subs))
	for _, sub := range s.subs {
		feeds = append(feeds, sub.feed)
	}
	s.mu.Unlock()

	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	for _, f := range feeds {
		f.Cancel()
	}
	return err
}
