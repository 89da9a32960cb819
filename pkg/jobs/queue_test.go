package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var calls int32
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("boom")
		}
		return nil
	}, QueueConfig{MaxRetries: 5, RetryDelay: time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "1", Type: "push"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)
}

func TestQueueStopsRetryingNonRetryable(t *testing.T) {
	var calls int32
	permanent := errors.New("permanent")
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return permanent
	}, QueueConfig{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "1"}))
	time.Sleep(30 * time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueueCoalescesWaitingKeys(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if job.ID == "block" {
			<-release
		}
		mu.Lock()
		seen = append(seen, job.ID)
		mu.Unlock()
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 8})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "block"}))

	require.NoError(t, q.Enqueue(Job{ID: "a", Key: "node-1"}))
	require.NoError(t, q.Enqueue(Job{ID: "b", Key: "node-1"}))
	assert.True(t, q.Pending("node-1"))
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"block", "a"}, seen)
	mu.Unlock()
	assert.False(t, q.Pending("node-1"))
}

func TestQueueHoldsKeyWhileBackingOff(t *testing.T) {
	var calls int32
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("relay down")
		}
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: 50 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "a", Key: "node-1"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 && q.Pending("node-1") }, time.Second, time.Millisecond)

	// coalesces into the retry instead of running a second push
	require.NoError(t, q.Enqueue(Job{ID: "b", Key: "node-1"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !q.Pending("node-1") }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueueBackoffDoublesAndCaps(t *testing.T) {
	q := NewQueue("test", nil, QueueConfig{RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 35 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, q.backoff(1))
	assert.Equal(t, 20*time.Millisecond, q.backoff(2))
	assert.Equal(t, 35*time.Millisecond, q.backoff(3))
	assert.Equal(t, 35*time.Millisecond, q.backoff(8))
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{ID: "x"}))
}
