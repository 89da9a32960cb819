// Package redisrelay implements the relay transport on Redis: presence keys with a TTL for
// discovery and one pub/sub inbox channel per node for delivery.
package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/relay"
)

// ErrNoReceiver is returned when nobody is subscribed to the target inbox.
var ErrNoReceiver = errors.New("redisrelay: no receiver for node")

const keyPrefix = "relay:"

// Options configures a transport.
type Options struct {
	NodeID   string
	NodeName string
	// TTL bounds how long a crashed node stays discoverable.
	TTL    time.Duration
	Logger *zap.Logger
}

// Transport is a relay.Transport on go-redis.
type Transport struct {
	client redis.UniversalClient
	node   relay.Node
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	caps     map[string]bool
	receiver func(relay.Message)

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type envelope struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Payload []byte `json:"payload,omitempty"`
}

var _ relay.Transport = (*Transport)(nil)

// New subscribes to the node inbox and starts the heartbeat.
func New(ctx context.Context, client redis.UniversalClient, opts Options) (*Transport, error) {
	if opts.NodeID == "" {
		return nil, errors.New("redisrelay: node id is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	pubsub := client.Subscribe(ctx, inboxKey(opts.NodeID))
	// the subscription is live once Receive returns the confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe relay inbox: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		client: client,
		node:   relay.Node{ID: opts.NodeID, Name: opts.NodeName},
		ttl:    opts.TTL,
		logger: opts.Logger,
		caps:   make(map[string]bool),
		pubsub: pubsub,
		cancel: cancel,
	}
	t.wg.Add(2)
	go t.receive(runCtx)
	go t.heartbeat(runCtx)
	return t, nil
}

func inboxKey(nodeID string) string {
	return keyPrefix + "inbox:" + nodeID
}

func presenceKey(capability, nodeID string) string {
	return keyPrefix + "node:" + capability + ":" + nodeID
}

func (t *Transport) LocalNode() relay.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.node
	node.Capabilities = t.capabilities()
	return node
}

func (t *Transport) capabilities() []string {
	caps := make([]string, 0, len(t.caps))
	for c := range t.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Advertise writes the presence key and keeps it refreshed.
func (t *Transport) Advertise(ctx context.Context, capability string) error {
	t.mu.Lock()
	t.caps[capability] = true
	t.mu.Unlock()
	return t.publishPresence(ctx, capability)
}

// Withdraw removes the presence key.
func (t *Transport) Withdraw(ctx context.Context, capability string) error {
	t.mu.Lock()
	delete(t.caps, capability)
	t.mu.Unlock()
	if err := t.client.Del(ctx, presenceKey(capability, t.node.ID)).Err(); err != nil {
		return fmt.Errorf("redis delete presence: %w", err)
	}
	return nil
}

func (t *Transport) publishPresence(ctx context.Context, capability string) error {
	raw, err := json.Marshal(relay.Node{ID: t.node.ID, Name: t.node.Name, Capabilities: []string{capability}})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := t.client.Set(ctx, presenceKey(capability, t.node.ID), raw, t.ttl).Err(); err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

func (t *Transport) heartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			caps := t.capabilities()
			t.mu.Unlock()
			for _, c := range caps {
				if err := t.publishPresence(ctx, c); err != nil && ctx.Err() == nil {
					t.logger.Warn("relay presence refresh failed", zap.String("capability", c), zap.Error(err))
				}
			}
		}
	}
}

// ReachableNodes scans live presence keys for capability.
func (t *Transport) ReachableNodes(ctx context.Context, capability string) ([]relay.Node, error) {
	pattern := presenceKey(capability, "*")
	var keys []string
	iter := t.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan presence: %w", err)
	}
	if len(keys) == 0 {
		return []relay.Node{}, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget presence: %w", err)
	}
	nodes := make([]relay.Node, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var node relay.Node
		if err := json.Unmarshal([]byte(raw), &node); err != nil || node.ID == "" {
			t.logger.Warn("skipping malformed presence", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// SendMessage publishes to the target inbox. Zero subscribers means nobody received it.
func (t *Transport) SendMessage(ctx context.Context, nodeID, path string, payload []byte) error {
	raw, err := json.Marshal(envelope{Source: t.node.ID, Path: path, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	receivers, err := t.client.Publish(ctx, inboxKey(nodeID), raw).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("%s: %w", nodeID, ErrNoReceiver)
	}
	return nil
}

func (t *Transport) SetReceiver(fn func(relay.Message)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

func (t *Transport) receive(ctx context.Context) {
	defer t.wg.Done()
	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.logger.Warn("dropping malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			t.mu.Lock()
			fn := t.receiver
			t.mu.Unlock()
			if fn != nil {
				fn(relay.Message{Source: env.Source, Path: env.Path, Payload: env.Payload})
			}
		}
	}
}

// Close withdraws all capabilities and unsubscribes. The Redis client is owned by the caller.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		t.mu.Lock()
		caps := t.capabilities()
		t.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		keys := make([]string, 0, len(caps))
		for _, c := range caps {
			keys = append(keys, presenceKey(c, t.node.ID))
		}
		if len(keys) > 0 {
			if delErr := t.client.Del(ctx, keys...).Err(); delErr != nil {
				err = fmt.Errorf("redis delete presence: %w", delErr)
			}
		}
		if closeErr := t.pubsub.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		t.wg.Wait()
	})
	return err
}
