package redisrelay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/relay"
)

func newPair(t *testing.T) (*miniredis.Miniredis, *Transport, *Transport) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	phone, err := New(ctx, client, Options{NodeID: "phone", NodeName: "Phone", TTL: 3 * time.Second})
	require.NoError(t, err)
	watch, err := New(ctx, client, Options{NodeID: "watch", NodeName: "Watch", TTL: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = phone.Close()
		_ = watch.Close()
	})
	return mr, phone, watch
}

func TestRequiresNodeID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err := New(context.Background(), client, Options{})
	assert.Error(t, err)
}

func TestAdvertiseAndDiscover(t *testing.T) {
	mr, phone, watch := newPair(t)
	ctx := context.Background()
	capability := relay.CompanionCapability("s1")

	nodes, err := phone.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, watch.Advertise(ctx, capability))
	assert.True(t, mr.Exists("relay:node:companion:s1:watch"))
	assert.Equal(t, []string{capability}, watch.LocalNode().Capabilities)

	nodes, err = phone.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "watch", nodes[0].ID)
	assert.Equal(t, "Watch", nodes[0].Name)

	// other sessions are not visible
	nodes, err = phone.ReachableNodes(ctx, relay.CompanionCapability("s2"))
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, watch.Withdraw(ctx, capability))
	nodes, err = phone.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPresenceExpires(t *testing.T) {
	mr, phone, watch := newPair(t)
	ctx := context.Background()
	capability := relay.CompanionCapability("s1")
	require.NoError(t, watch.Advertise(ctx, capability))

	mr.FastForward(4 * time.Second)
	nodes, err := phone.ReachableNodes(ctx, capability)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSendDeliversThroughInbox(t *testing.T) {
	_, phone, watch := newPair(t)
	ctx := context.Background()

	received := make(chan relay.Message, 1)
	watch.SetReceiver(func(msg relay.Message) { received <- msg })

	require.NoError(t, phone.SendMessage(ctx, "watch", relay.PathPendingCount, relay.EncodeCount(4)))
	select {
	case msg := <-received:
		assert.Equal(t, "phone", msg.Source)
		assert.Equal(t, relay.PathPendingCount, msg.Path)
		assert.Equal(t, []byte("4"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendWithoutReceiverFails(t *testing.T) {
	_, phone, _ := newPair(t)
	err := phone.SendMessage(context.Background(), "ghost", relay.PathApproveAll, nil)
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestCloseRemovesPresence(t *testing.T) {
	mr, _, watch := newPair(t)
	require.NoError(t, watch.Advertise(context.Background(), relay.CompanionCapability("s1")))
	require.NoError(t, watch.Close())
	assert.False(t, mr.Exists("relay:node:companion:s1:watch"))
	require.NoError(t, watch.Close())
}
