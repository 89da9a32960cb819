// Package memrelay is an in-process relay network for tests and single-binary development.
package memrelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/noah-isme/asknon-api/internal/relay"
)

var (
	// ErrUnreachable is returned when the target is unknown, partitioned or closed.
	ErrUnreachable = errors.New("memrelay: node unreachable")
	// ErrInboxFull is returned when the target is not draining its inbox.
	ErrInboxFull = errors.New("memrelay: inbox full")
)

const inboxSize = 64

// Network connects in-process transports.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Transport
	// cut holds nodes whose link is down in both directions.
	cut map[string]bool
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Transport), cut: make(map[string]bool)}
}

// Join attaches a node to the network.
func (n *Network) Join(id, name string) *Transport {
	t := &Transport{
		network: n,
		node:    relay.Node{ID: id, Name: name},
		caps:    make(map[string]bool),
		inbox:   make(chan relay.Message, inboxSize),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[id] = t
	n.mu.Unlock()
	go t.run()
	return t
}

// Partition cuts a node off until Heal.
func (n *Network) Partition(id string) {
	n.mu.Lock()
	n.cut[id] = true
	n.mu.Unlock()
}

// Heal restores a partitioned node.
func (n *Network) Heal(id string) {
	n.mu.Lock()
	delete(n.cut, id)
	n.mu.Unlock()
}

func (n *Network) reachable(from, to string) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cut[from] || n.cut[to] {
		return nil, false
	}
	t, ok := n.nodes[to]
	return t, ok
}

func (n *Network) leave(id string) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// Transport is one node's endpoint on a Network.
type Transport struct {
	network *Network
	node    relay.Node

	mu       sync.Mutex
	caps     map[string]bool
	receiver func(relay.Message)

	inbox chan relay.Message
	done  chan struct{}
	once  sync.Once
}

var _ relay.Transport = (*Transport)(nil)

func (t *Transport) LocalNode() relay.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.describe()
}

func (t *Transport) describe() relay.Node {
	node := t.node
	node.Capabilities = make([]string, 0, len(t.caps))
	for c := range t.caps {
		node.Capabilities = append(node.Capabilities, c)
	}
	sort.Strings(node.Capabilities)
	return node
}

func (t *Transport) Advertise(ctx context.Context, capability string) error {
	t.mu.Lock()
	t.caps[capability] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Withdraw(ctx context.Context, capability string) error {
	t.mu.Lock()
	delete(t.caps, capability)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ReachableNodes(ctx context.Context, capability string) ([]relay.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.network.mu.Lock()
	if t.network.cut[t.node.ID] {
		t.network.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", t.node.ID, ErrUnreachable)
	}
	peers := make([]*Transport, 0, len(t.network.nodes))
	for id, peer := range t.network.nodes {
		if id != t.node.ID && !t.network.cut[id] {
			peers = append(peers, peer)
		}
	}
	t.network.mu.Unlock()

	nodes := make([]relay.Node, 0)
	for _, peer := range peers {
		peer.mu.Lock()
		if peer.caps[capability] {
			nodes = append(nodes, peer.describe())
		}
		peer.mu.Unlock()
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (t *Transport) SendMessage(ctx context.Context, nodeID, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := t.network.reachable(t.node.ID, nodeID)
	if !ok {
		return fmt.Errorf("%s: %w", nodeID, ErrUnreachable)
	}
	msg := relay.Message{Source: t.node.ID, Path: path, Payload: append([]byte(nil), payload...)}
	select {
	case <-target.done:
		return fmt.Errorf("%s: %w", nodeID, ErrUnreachable)
	default:
	}
	select {
	case target.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", nodeID, ErrInboxFull)
	}
}

func (t *Transport) SetReceiver(fn func(relay.Message)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

func (t *Transport) run() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.inbox:
			t.mu.Lock()
			fn := t.receiver
			t.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		}
	}
}

// Close detaches the node.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.network.leave(t.node.ID)
		close(t.done)
	})
	return nil
}
