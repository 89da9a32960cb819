package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/presence"
	"github.com/noah-isme/asknon-api/internal/realtime"
	"github.com/noah-isme/asknon-api/internal/relay"
	"github.com/noah-isme/asknon-api/internal/relay/memrelay"
	"github.com/noah-isme/asknon-api/internal/repository"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type countRecorder struct {
	mu     sync.Mutex
	counts []int
	states []presence.State
}

func (r *countRecorder) onCount(n int) {
	r.mu.Lock()
	r.counts = append(r.counts, n)
	r.mu.Unlock()
}

func (r *countRecorder) onState(s presence.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *countRecorder) lastCount() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return 0, false
	}
	return r.counts[len(r.counts)-1], true
}

func TestCompanionEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := memrelay.NewNetwork()
	phone := relay.New(network.Join("phone", "Teacher phone"), relay.WithObserver(f.metrics))
	watch := relay.New(network.Join("watch", "Watch"))
	t.Cleanup(func() {
		_ = phone.Close()
		_ = watch.Close()
	})

	bridge := NewCompanionSync(phone, f.sessions, f.moderation, f.metrics, CompanionSyncConfig{
		Workers:    1,
		Retries:    3,
		RetryDelay: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, bridge.Start(ctx))
	defer bridge.Stop(context.Background())

	session := f.session(t, "teacher-1")
	joined, err := f.sessionSvc.JoinByCode(ctx, strings.ToLower(session.JoinCode))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bridge.Tracked(session.ID) }, time.Second, 5*time.Millisecond)

	rec := &countRecorder{}
	coord := presence.New(watch, joined.ID, presence.Options{
		Interval: 10 * time.Millisecond,
		OnCount:  rec.onCount,
		OnState:  rec.onState,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()

	waitCount := func(want int) {
		t.Helper()
		require.Eventually(t, func() bool {
			n, ok := rec.lastCount()
			return ok && n == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	// connecting pulls the current count
	waitCount(0)
	assert.Equal(t, presence.Connected, coord.State())

	f.ask(t, joined.ID, "Is this on the exam?")
	waitCount(1)

	require.NoError(t, coord.ApproveAll(ctx))
	waitCount(0)
	approved, err := f.questions.ListByStatus(ctx, session.ID, models.StatusApproved)
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	require.NoError(t, f.sessionSvc.Teardown(ctx, session.ID))
	require.Eventually(t, func() bool { return !bridge.Tracked(session.ID) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return coord.State() != presence.Connected }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type stubCancel func()

func (c stubCancel) Cancel() { c() }

type relayStub struct {
	mu        sync.Mutex
	nodes     map[string][]relay.Node
	handlers  map[string]relay.Handler
	sent      []relay.Message
	sendErr   func(attempt int) error
	attempts  int
	withdrawn []string
}

func newRelayStub() *relayStub {
	return &relayStub{nodes: make(map[string][]relay.Node), handlers: make(map[string]relay.Handler)}
}

func (r *relayStub) Advertise(ctx context.Context, capability string) error { return nil }

func (r *relayStub) Withdraw(ctx context.Context, capability string) error {
	r.mu.Lock()
	r.withdrawn = append(r.withdrawn, capability)
	r.mu.Unlock()
	return nil
}

func (r *relayStub) DiscoverNodes(ctx context.Context, capability string) ([]relay.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[capability], nil
}

func (r *relayStub) Send(ctx context.Context, nodeID, path string, payload []byte) error {
	r.mu.Lock()
	r.attempts++
	attempt := r.attempts
	fn := r.sendErr
	r.mu.Unlock()
	if fn != nil {
		if err := fn(attempt); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, relay.Message{Source: nodeID, Path: path, Payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *relayStub) OnReceive(path string, handler relay.Handler) relay.Registration {
	r.mu.Lock()
	r.handlers[path] = handler
	r.mu.Unlock()
	return stubCancel(func() {})
}

func (r *relayStub) deliver(msg relay.Message) {
	r.mu.Lock()
	h := r.handlers[msg.Path]
	r.mu.Unlock()
	h(msg)
}

func (r *relayStub) sentPayloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, string(m.Payload))
	}
	return out
}

type sessionsStub struct {
	sessions []models.Session
}

func (s sessionsStub) SubscribeAll(ctx context.Context, fn repository.SessionsFunc) (realtime.Subscription, error) {
	fn(s.sessions, nil)
	return stubCancel(func() {}), nil
}

type moderationStub struct {
	mu       sync.Mutex
	count    int
	views    map[string]ViewFunc
	approved []string
}

func (m *moderationStub) AddView(ctx context.Context, sessionID string, fn ViewFunc) (realtime.Subscription, error) {
	m.mu.Lock()
	m.views[sessionID] = fn
	m.mu.Unlock()
	return stubCancel(func() {}), nil
}

func (m *moderationStub) PendingCount(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, nil
}

func (m *moderationStub) ApproveAll(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	m.approved = append(m.approved, sessionID)
	m.mu.Unlock()
	return 0, nil
}

func (m *moderationStub) setCount(n int) {
	m.mu.Lock()
	m.count = n
	m.mu.Unlock()
}

func (m *moderationStub) view(sessionID string) ViewFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[sessionID]
}

func TestCompanionPushRetrySendsCurrentCount(t *testing.T) {
	r := newRelayStub()
	r.nodes[relay.CompanionCapability("s1")] = []relay.Node{{ID: "watch"}}
	mod := &moderationStub{views: make(map[string]ViewFunc), count: 1}
	r.sendErr = func(attempt int) error {
		if attempt == 1 {
			mod.setCount(5)
			return appErrors.Clone(appErrors.ErrDeliveryFailed, "")
		}
		return nil
	}

	bridge := NewCompanionSync(r, sessionsStub{sessions: []models.Session{{ID: "s1"}}}, mod, nil, CompanionSyncConfig{
		Retries:    2,
		RetryDelay: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop(context.Background())

	require.NotNil(t, mod.view("s1"))
	mod.view("s1")(ModerationView{SessionID: "s1", Counts: models.QuestionCounts{Pending: 1}})

	require.Eventually(t, func() bool {
		return len(r.sentPayloads()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"5"}, r.sentPayloads())

	// an unchanged count is not pushed again
	mod.view("s1")(ModerationView{SessionID: "s1", Counts: models.QuestionCounts{Pending: 1}})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.sentPayloads(), 1)
}

func TestCompanionCommandsResolveSession(t *testing.T) {
	r := newRelayStub()
	r.nodes[relay.CompanionCapability("s2")] = []relay.Node{{ID: "watch"}}
	mod := &moderationStub{views: make(map[string]ViewFunc), count: 3}
	bridge := NewCompanionSync(r, sessionsStub{sessions: []models.Session{{ID: "s1"}, {ID: "s2"}}}, mod, nil, CompanionSyncConfig{}, nil)
	require.NoError(t, bridge.Start(context.Background()))

	r.deliver(relay.Message{Source: "watch", Path: relay.PathApproveAll})
	r.deliver(relay.Message{Source: "stranger", Path: relay.PathApproveAll})
	mod.mu.Lock()
	assert.Equal(t, []string{"s2"}, mod.approved)
	mod.mu.Unlock()

	r.deliver(relay.Message{Source: "watch", Path: relay.PathRequestCount})
	require.Eventually(t, func() bool {
		return len(r.sentPayloads()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"3"}, r.sentPayloads())

	bridge.Stop(context.Background())
	r.mu.Lock()
	assert.ElementsMatch(t, []string{relay.PrimaryCapability("s1"), relay.PrimaryCapability("s2")}, r.withdrawn)
	r.mu.Unlock()
}
