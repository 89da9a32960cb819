package realtime

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// Feed delivers snapshots for one subscription on a dedicated goroutine. Publishing never
// blocks the writer: if the callback is still busy the newest snapshot replaces any
// undelivered one, so delivery order follows publish order.
type Feed struct {
	fn       SnapshotFunc
	onCancel func()

	mu        sync.Mutex
	pending   *delivery
	version   uint64
	lastPrint uint64
	primed    bool
	issued    uint64
	applied   uint64

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

type delivery struct {
	snap Snapshot
	err  error
}

// NewFeed starts the dispatcher goroutine. onCancel runs once when the feed is cancelled.
func NewFeed(fn SnapshotFunc, onCancel func()) *Feed {
	f := &Feed{
		fn:       fn,
		onCancel: onCancel,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish queues docs for delivery. An unchanged result set is skipped after the first
// delivery; it reports whether anything was queued.
func (f *Feed) Publish(docs []Document) bool {
	return f.PublishRead(f.BeginRead(), docs)
}

// BeginRead reserves a stamp for a read about to run. Results are applied in stamp order:
// a read that started later supersedes one that started earlier, whatever finishes first.
func (f *Feed) BeginRead() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return f.issued
}

// PublishRead queues docs read under stamp. Results of reads older than the last applied
// one are dropped.
func (f *Feed) PublishRead(stamp uint64, docs []Document) bool {
	sum := fingerprint(docs)

	f.mu.Lock()
	if stamp < f.applied {
		f.mu.Unlock()
		return false
	}
	f.applied = stamp
	if f.primed && sum == f.lastPrint {
		f.mu.Unlock()
		return false
	}
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.primed = true
	f.lastPrint = sum
	f.version++
	f.pending = &delivery{snap: Snapshot{Documents: docs, Version: f.version}}
	f.mu.Unlock()

	f.wake()
	return true
}

// Fail queues an error for delivery. The next successful Publish is always delivered.
func (f *Feed) Fail(err error) {
	f.FailRead(f.BeginRead(), err)
}

// FailRead queues an error from the read stamped stamp unless a newer read already landed.
func (f *Feed) FailRead(stamp uint64, err error) {
	f.mu.Lock()
	if stamp < f.applied {
		f.mu.Unlock()
		return
	}
	f.applied = stamp
	f.primed = false
	f.pending = &delivery{err: err}
	f.mu.Unlock()
	f.wake()
}

// Cancel stops delivery. Safe to call more than once.
func (f *Feed) Cancel() {
	f.once.Do(func() {
		close(f.done)
		if f.onCancel != nil {
			f.onCancel()
		}
	})
}

// Done is closed once the feed is cancelled.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *Feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.signal:
		}

		f.mu.Lock()
		d := f.pending
		f.pending = nil
		f.mu.Unlock()
		if d == nil {
			continue
		}

		select {
		case <-f.done:
			return
		default:
		}
		f.fn(d.snap, d.err)
	}
}

func fingerprint(docs []Document) uint64 {
	h := fnv.New64a()
	for _, d := range docs {
		_, _ = h.Write([]byte(d.Collection))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(d.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.FormatInt(d.Seq, 10)))
		_, _ = h.Write(d.Data)
		_, _ = h.Write([]byte{1})
	}
	return h.Sum64()
}
