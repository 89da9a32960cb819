package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/asknon-api/internal/relay"
	"github.com/noah-isme/asknon-api/internal/relay/memrelay"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveRelayMessage(path, direction, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[path+" "+direction+" "+outcome]++
}

func (o *countingObserver) get(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[key]
}

func TestCapabilityScoping(t *testing.T) {
	assert.Equal(t, "companion:s1", relay.CompanionCapability("s1"))
	assert.Equal(t, "primary:s1", relay.PrimaryCapability("s1"))

	id, ok := relay.SessionFromCapability("companion:s1")
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	_, ok = relay.SessionFromCapability("companion:")
	assert.False(t, ok)
	_, ok = relay.SessionFromCapability("tv")
	assert.False(t, ok)
}

func TestCountCodec(t *testing.T) {
	assert.Equal(t, []byte("12"), relay.EncodeCount(12))
	assert.Equal(t, []byte("0"), relay.EncodeCount(-3))

	n, err := relay.DecodeCount([]byte("7"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, bad := range []string{"", "seven", "-1", "1.5"} {
		_, err := relay.DecodeCount([]byte(bad))
		assert.True(t, appErrors.IsKind(err, appErrors.ErrInvalidInput), bad)
	}
}

func TestDiscoverSendAndReceive(t *testing.T) {
	ctx := context.Background()
	network := memrelay.NewNetwork()
	observer := &countingObserver{}
	phone := relay.New(network.Join("phone", "Phone"), relay.WithObserver(observer))
	watch := relay.New(network.Join("watch", "Watch"))
	defer phone.Close()
	defer watch.Close()

	nodes, err := phone.DiscoverNodes(ctx, relay.CompanionCapability("s1"))
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, watch.Advertise(ctx, relay.CompanionCapability("s1")))
	nodes, err = phone.DiscoverNodes(ctx, relay.CompanionCapability("s1"))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "watch", nodes[0].ID)
	assert.True(t, nodes[0].Has(relay.CompanionCapability("s1")))

	received := make(chan relay.Message, 1)
	reg := watch.OnReceive(relay.PathPendingCount, func(msg relay.Message) { received <- msg })
	defer reg.Cancel()

	require.NoError(t, phone.Send(ctx, "watch", relay.PathPendingCount, relay.EncodeCount(3)))
	select {
	case msg := <-received:
		assert.Equal(t, "phone", msg.Source)
		n, err := relay.DecodeCount(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, observer.get(relay.PathPendingCount+" out delivered"))
}

func TestSendToMissingNodeFails(t *testing.T) {
	network := memrelay.NewNetwork()
	phone := relay.New(network.Join("phone", "Phone"))
	defer phone.Close()

	err := phone.Send(context.Background(), "ghost", relay.PathPendingCount, relay.EncodeCount(1))
	assert.True(t, appErrors.IsKind(err, appErrors.ErrDeliveryFailed))

	err = phone.Send(context.Background(), "", relay.PathPendingCount, nil)
	assert.True(t, appErrors.IsKind(err, appErrors.ErrInvalidInput))
}

func TestUnknownPathIgnoredAndCancelledHandlerSilent(t *testing.T) {
	ctx := context.Background()
	network := memrelay.NewNetwork()
	observer := &countingObserver{}
	phone := relay.New(network.Join("phone", "Phone"), relay.WithObserver(observer))
	watch := relay.New(network.Join("watch", "Watch"))
	defer phone.Close()
	defer watch.Close()

	var mu sync.Mutex
	calls := 0
	reg := phone.OnReceive(relay.PathApproveAll, func(relay.Message) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.NoError(t, watch.Send(ctx, "phone", "/unknown", []byte("x")))
	require.NoError(t, watch.Send(ctx, "phone", relay.PathApproveAll, nil))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	reg.Cancel()
	reg.Cancel()
	require.NoError(t, watch.Send(ctx, "phone", relay.PathApproveAll, nil))
	require.Eventually(t, func() bool {
		return observer.get("/unknown in ignored") == 1 && observer.get(relay.PathApproveAll+" in ignored") == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestBroadcastReportsPerNodeOutcome(t *testing.T) {
	ctx := context.Background()
	network := memrelay.NewNetwork()
	phone := relay.New(network.Join("phone", "Phone"))
	watch := network.Join("watch", "Watch")
	tv := network.Join("tv", "TV")
	defer phone.Close()
	defer watch.Close()
	defer tv.Close()
	capability := relay.CompanionCapability("s1")
	require.NoError(t, watch.Advertise(ctx, capability))
	require.NoError(t, tv.Advertise(ctx, capability))

	outcomes, err := phone.Broadcast(ctx, capability, relay.PathPendingCount, relay.EncodeCount(2))
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.NoError(t, o.Err, o.Node.ID)
	}

	network.Partition("phone")
	_, err = phone.Broadcast(ctx, capability, relay.PathPendingCount, relay.EncodeCount(2))
	assert.True(t, appErrors.IsKind(err, appErrors.ErrDeliveryFailed))
}
