package wsrelay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/relay"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub("gateway", "Gateway", nil)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/ws"
}

func newTestClient(t *testing.T, url, id string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{URL: url, NodeID: id, NodeName: strings.ToUpper(id), Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(ClientOptions{URL: "ws://localhost/relay/ws"})
	assert.Error(t, err)
	_, err = NewClient(ClientOptions{NodeID: "watch"})
	assert.Error(t, err)
}

func TestClientAdvertiseIsVisibleToHub(t *testing.T) {
	hub, url := startHub(t)
	watch := newTestClient(t, url, "watch")
	ctx := context.Background()
	capability := relay.CompanionCapability("s1")

	require.NoError(t, watch.Advertise(ctx, capability))
	assert.True(t, watch.Connected())
	assert.Equal(t, 1, hub.Connected())

	nodes, err := hub.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "watch", nodes[0].ID)
	assert.Equal(t, "WATCH", nodes[0].Name)

	require.NoError(t, watch.Withdraw(ctx, capability))
	nodes, err = hub.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestClientDiscoversHubCapability(t *testing.T) {
	hub, url := startHub(t)
	watch := newTestClient(t, url, "watch")
	ctx := context.Background()

	require.NoError(t, hub.Advertise(ctx, relay.PrimaryCapability("s1")))
	nodes, err := watch.ReachableNodes(ctx, relay.PrimaryCapability("s1"))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "gateway", nodes[0].ID)

	nodes, err = watch.ReachableNodes(ctx, relay.PrimaryCapability("other"))
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestMessagesFlowBothWays(t *testing.T) {
	hub, url := startHub(t)
	watch := newTestClient(t, url, "watch")
	ctx := context.Background()

	toHub := make(chan relay.Message, 1)
	hub.SetReceiver(func(m relay.Message) { toHub <- m })
	toWatch := make(chan relay.Message, 1)
	watch.SetReceiver(func(m relay.Message) { toWatch <- m })

	require.NoError(t, watch.Advertise(ctx, relay.CompanionCapability("s1")))
	require.NoError(t, watch.SendMessage(ctx, "gateway", relay.PathApproveAll, nil))
	select {
	case m := <-toHub:
		assert.Equal(t, "watch", m.Source)
		assert.Equal(t, relay.PathApproveAll, m.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not receive message")
	}

	require.NoError(t, hub.SendMessage(ctx, "watch", relay.PathPendingCount, relay.EncodeCount(5)))
	select {
	case m := <-toWatch:
		assert.Equal(t, "gateway", m.Source)
		assert.Equal(t, []byte("5"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not receive message")
	}
}

func TestHubForwardsBetweenDevices(t *testing.T) {
	_, url := startHub(t)
	watch := newTestClient(t, url, "watch")
	tv := newTestClient(t, url, "tv")
	ctx := context.Background()

	got := make(chan relay.Message, 1)
	tv.SetReceiver(func(m relay.Message) { got <- m })
	require.NoError(t, tv.Advertise(ctx, relay.CompanionCapability("s1")))
	require.NoError(t, watch.Advertise(ctx, relay.CompanionCapability("s1")))

	nodes, err := watch.ReachableNodes(ctx, relay.CompanionCapability("s1"))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "tv", nodes[0].ID)

	require.NoError(t, watch.SendMessage(ctx, "tv", "/ping", []byte("hi")))
	select {
	case m := <-got:
		assert.Equal(t, "watch", m.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("tv did not receive forwarded message")
	}
}

func TestSendToUnknownNodeFails(t *testing.T) {
	hub, url := startHub(t)
	watch := newTestClient(t, url, "watch")
	ctx := context.Background()

	err := watch.SendMessage(ctx, "ghost", relay.PathApproveAll, nil)
	assert.Error(t, err)
	err = hub.SendMessage(ctx, "ghost", relay.PathPendingCount, relay.EncodeCount(1))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientNoticesLinkLossAndRedials(t *testing.T) {
	hub := NewHub("gateway", "Gateway", nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/ws"
	watch := newTestClient(t, url, "watch")
	ctx := context.Background()

	require.NoError(t, watch.Advertise(ctx, relay.CompanionCapability("s1")))
	require.NoError(t, hub.Close())
	require.Eventually(t, func() bool { return !watch.Connected() }, 2*time.Second, 10*time.Millisecond)

	// the closed hub refuses new devices, so the redial is dropped straight away
	_, err := watch.ReachableNodes(ctx, relay.CompanionCapability("s1"))
	assert.Error(t, err)
}

func TestHandlerRejectsMissingNodeID(t *testing.T) {
	_, url := startHub(t)
	client, err := NewClient(ClientOptions{URL: url, NodeID: "gateway"})
	require.NoError(t, err)
	defer client.Close()
	_, err = client.ReachableNodes(context.Background(), "x")
	assert.Error(t, err)
}
