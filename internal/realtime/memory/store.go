// Package memory is an in-process realtime store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/asknon-api/internal/realtime"
)

// FaultFunc lets tests fail an operation ("put", "get", "query", "commit", "subscribe").
// Returning a non-nil error aborts the operation with it.
type FaultFunc func(op string, ops []realtime.Op) error

// Store keeps documents in memory and fans changes out to subscriptions.
type Store struct {
	mu     sync.Mutex
	docs   map[realtime.Ref]*realtime.Document
	seq    int64
	subs   map[int]*subscription
	nextID int
	closed bool
	fault  FaultFunc
	now    func() time.Time
}

type subscription struct {
	collection string
	filters    []realtime.Filter
	feed       *realtime.Feed
}

var _ realtime.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs: make(map[realtime.Ref]*realtime.Document),
		subs: make(map[int]*subscription),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetFault installs a fault hook; nil clears it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *Store) check(op string, ops []realtime.Op) error {
	if s.closed {
		return realtime.ErrClosed
	}
	if s.fault != nil {
		if err := s.fault(op, ops); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts a document.
func (s *Store) Put(ctx context.Context, ref realtime.Ref, doc interface{}) error {
	raw, err := realtime.Encode(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("put", nil); err != nil {
		return err
	}
	s.write(ref, raw)
	s.notify(map[string]struct{}{ref.Collection: {}})
	return nil
}

// Get returns a copy of a document.
func (s *Store) Get(ctx context.Context, ref realtime.Ref) (realtime.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("get", nil); err != nil {
		return realtime.Document{}, err
	}
	doc, ok := s.docs[ref]
	if !ok {
		return realtime.Document{}, realtime.ErrNotFound
	}
	return copyDoc(doc), nil
}

// Query returns matching documents in arrival order.
func (s *Store) Query(ctx context.Context, collection string, filters ...realtime.Filter) ([]realtime.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("query", nil); err != nil {
		return nil, err
	}
	return s.match(collection, filters), nil
}

// Subscribe registers a live query. The callback receives the current set first.
func (s *Store) Subscribe(ctx context.Context, collection string, filters []realtime.Filter, fn realtime.SnapshotFunc) (realtime.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("subscribe", nil); err != nil {
		return nil, err
	}
	id := s.nextID
	s.nextID++
	sub := &subscription{collection: collection, filters: append([]realtime.Filter(nil), filters...)}
	sub.feed = realtime.NewFeed(fn, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
	s.subs[id] = sub
	sub.feed.Publish(s.match(collection, sub.filters))
	return sub.feed, nil
}

// Batch starts an atomic write batch.
func (s *Store) Batch() realtime.Batch {
	return realtime.NewOpBatch(s.commit)
}

// Close cancels every subscription.
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
	for _, f := range feeds {
		f.Cancel()
	}
	return nil
}

func (s *Store) commit(ctx context.Context, ops []realtime.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("commit", ops); err != nil {
		return err
	}

	// validate against a view of the batch's own effects before touching anything
	exists := func(ref realtime.Ref) bool {
		_, ok := s.docs[ref]
		return ok
	}
	staged := make(map[realtime.Ref]bool)
	for _, op := range ops {
		present, seen := staged[op.Ref]
		if !seen {
			present = exists(op.Ref)
		}
		switch op.Kind {
		case realtime.OpCreate:
			if present {
				return fmt.Errorf("create %s: %w", op.Ref, realtime.ErrAlreadyExists)
			}
			staged[op.Ref] = true
		case realtime.OpUpdate:
			if !present {
				return fmt.Errorf("update %s: %w", op.Ref, realtime.ErrNotFound)
			}
		case realtime.OpDelete:
			staged[op.Ref] = false
		}
	}

	touched := make(map[string]struct{})
	for _, op := range ops {
		touched[op.Ref.Collection] = struct{}{}
		switch op.Kind {
		case realtime.OpCreate:
			s.write(op.Ref, op.Data)
		case realtime.OpUpdate:
			doc := s.docs[op.Ref]
			merged, err := realtime.MergeFields(doc.Data, op.Fields)
			if err != nil {
				// only reachable with a corrupt body, which Put never stores
				return err
			}
			doc.Data = merged
			doc.UpdatedAt = s.now()
		case realtime.OpDelete:
			delete(s.docs, op.Ref)
		}
	}
	s.notify(touched)
	return nil
}

func (s *Store) write(ref realtime.Ref, raw []byte) {
	now := s.now()
	if doc, ok := s.docs[ref]; ok {
		doc.Data = append([]byte(nil), raw...)
		doc.UpdatedAt = now
		return
	}
	s.seq++
	s.docs[ref] = &realtime.Document{
		Collection: ref.Collection,
		ID:         ref.ID,
		Data:       append([]byte(nil), raw...),
		Seq:        s.seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Store) match(collection string, filters []realtime.Filter) []realtime.Document {
	out := make([]realtime.Document, 0)
	for ref, doc := range s.docs {
		if ref.Collection != collection || !realtime.Matches(doc.Data, filters) {
			continue
		}
		out = append(out, copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// notify runs under s.mu so every subscription sees writes in commit order.
func (s *Store) notify(collections map[string]struct{}) {
	for _, sub := range s.subs {
		if _, ok := collections[sub.collection]; !ok {
			continue
		}
		sub.feed.Publish(s.match(sub.collection, sub.filters))
	}
}

func copyDoc(doc *realtime.Document) realtime.Document {
	cp := *doc
	cp.Data = append([]byte(nil), doc.Data...)
	return cp
}
