package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/realtime"
)

type item struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

type recorder struct {
	mu    sync.Mutex
	snaps []realtime.Snapshot
	errs  []error
}

func (r *recorder) fn(s realtime.Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() (realtime.Snapshot, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return realtime.Snapshot{}, 0
	}
	return r.snaps[len(r.snaps)-1], len(r.snaps)
}

func names(t *testing.T, docs []realtime.Document) []string {
	t.Helper()
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		var it item
		require.NoError(t, d.Decode(&it))
		out = append(out, it.Name)
	}
	return out
}

func TestPutGetQuery(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a", Group: "x"}))
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "2"}, item{Name: "b", Group: "y"}))
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "3"}, item{Name: "c", Group: "x"}))

	doc, err := s.Get(ctx, realtime.Ref{Collection: "items", ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Seq)

	_, err = s.Get(ctx, realtime.Ref{Collection: "items", ID: "9"})
	assert.ErrorIs(t, err, realtime.ErrNotFound)

	docs, err := s.Query(ctx, "items", realtime.Where("group", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names(t, docs))
}

func TestPutKeepsArrivalOrderOnOverwrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := realtime.Ref{Collection: "items", ID: "1"}
	require.NoError(t, s.Put(ctx, ref, item{Name: "a"}))
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "2"}, item{Name: "b"}))
	require.NoError(t, s.Put(ctx, ref, item{Name: "a2"}))

	docs, err := s.Query(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "b"}, names(t, docs))
}

func TestBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a"}))

	err := s.Batch().
		Update(realtime.Ref{Collection: "items", ID: "1"}, map[string]interface{}{"name": "changed"}).
		Update(realtime.Ref{Collection: "items", ID: "missing"}, map[string]interface{}{"name": "x"}).
		Commit(ctx)
	assert.ErrorIs(t, err, realtime.ErrNotFound)

	doc, err := s.Get(ctx, realtime.Ref{Collection: "items", ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names(t, []realtime.Document{doc}))
}

func TestBatchCreateRejectsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := realtime.Ref{Collection: "claims", ID: "owner-1"}

	require.NoError(t, s.Batch().Create(ref, item{Name: "first"}).Commit(ctx))
	err := s.Batch().Create(ref, item{Name: "second"}).Commit(ctx)
	assert.ErrorIs(t, err, realtime.ErrAlreadyExists)

	err = s.Batch().Delete(ref).Create(ref, item{Name: "third"}).Commit(ctx)
	require.NoError(t, err)
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a", Group: "x"}))

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, "items", []realtime.Filter{realtime.Where("group", "x")}, rec.fn)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool {
		snap, n := rec.last()
		return n == 1 && len(snap.Documents) == 1
	}, time.Second, 5*time.Millisecond)

	// outside the filter: no new snapshot
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "2"}, item{Name: "b", Group: "y"}))
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "3"}, item{Name: "c", Group: "x"}))

	require.Eventually(t, func() bool {
		snap, _ := rec.last()
		return len(snap.Documents) == 2
	}, time.Second, 5*time.Millisecond)
	snap, n := rec.last()
	assert.Equal(t, []string{"a", "c"}, names(t, snap.Documents))
	assert.Equal(t, 2, n)
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := &recorder{}
	sub, err := s.Subscribe(ctx, "items", nil, rec.fn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := rec.last(); return n == 1 }, time.Second, 5*time.Millisecond)

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a"}))
	time.Sleep(20 * time.Millisecond)
	_, n := rec.last()
	assert.Equal(t, 1, n)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("offline")
	s.SetFault(func(op string, ops []realtime.Op) error {
		if op == "commit" {
			return boom
		}
		return nil
	})

	err := s.Batch().Create(realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a"}).Commit(ctx)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "2"}, item{Name: "b"}))

	s.SetFault(nil)
	require.NoError(t, s.Batch().Create(realtime.Ref{Collection: "items", ID: "1"}, item{Name: "a"}).Commit(ctx))
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(ctx, realtime.Ref{Collection: "items", ID: "1"}, item{}), realtime.ErrClosed)
	_, err := s.Subscribe(ctx, "items", nil, func(realtime.Snapshot, error) {})
	assert.ErrorIs(t, err, realtime.ErrClosed)
}
