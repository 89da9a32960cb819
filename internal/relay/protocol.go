// Package relay carries the pending-question count and the approve-all command between the
// primary moderation host and companion devices over a best-effort transport.
package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

// Message paths.
const (
	// PathPendingCount carries the pending count as a UTF-8 decimal, primary to companion.
	PathPendingCount = "/pending_questions_count"
	// PathApproveAll asks the primary to approve every pending question; payload ignored.
	PathApproveAll = "/approve_all_questions"
	// PathRequestCount asks the primary to push the current count; payload ignored.
	PathRequestCount = "/request_pending_questions_count"
)

const (
	companionPrefix = "companion:"
	primaryPrefix   = "primary:"
)

// CompanionCapability is advertised by wearables and displays following a session.
func CompanionCapability(sessionID string) string {
	return companionPrefix + sessionID
}

// PrimaryCapability is advertised by the host moderating a session.
func PrimaryCapability(sessionID string) string {
	return primaryPrefix + sessionID
}

// SessionFromCapability extracts the session id from a scoped capability.
func SessionFromCapability(capability string) (string, bool) {
	for _, prefix := range []string{companionPrefix, primaryPrefix} {
		if strings.HasPrefix(capability, prefix) && len(capability) > len(prefix) {
			return capability[len(prefix):], true
		}
	}
	return "", false
}

// Node is a reachable peer.
type Node struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Has reports whether the node advertises capability.
func (n Node) Has(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Message is one delivered relay message.
type Message struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Payload []byte `json:"payload,omitempty"`
}

// Transport is the unreliable device-to-device channel underneath the protocol.
type Transport interface {
	LocalNode() Node
	Advertise(ctx context.Context, capability string) error
	Withdraw(ctx context.Context, capability string) error
	ReachableNodes(ctx context.Context, capability string) ([]Node, error)
	SendMessage(ctx context.Context, nodeID, path string, payload []byte) error
	// SetReceiver installs the sink for incoming messages; transports call it serially.
	SetReceiver(fn func(Message))
	Close() error
}

// Observer receives relay traffic counts.
type Observer interface {
	ObserveRelayMessage(path, direction, outcome string)
}

// Handler processes a message on a registered path.
type Handler func(Message)

// Registration removes a handler.
type Registration interface {
	Cancel()
}

type registration struct {
	once   sync.Once
	cancel func()
}

func (r *registration) Cancel() {
	r.once.Do(r.cancel)
}

// Outcome is the per-node result of a broadcast.
type Outcome struct {
	Node Node
	Err  error
}

// Relay demultiplexes a transport by path and maps failures to DELIVERY_FAILED.
type Relay struct {
	transport Transport
	logger    *zap.Logger
	observer  Observer

	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver sets the traffic observer.
func WithObserver(observer Observer) Option {
	return func(r *Relay) { r.observer = observer }
}

// New wraps transport and takes over its receiver.
func New(transport Transport, opts ...Option) *Relay {
	r := &Relay{
		transport: transport,
		logger:    zap.NewNop(),
		handlers:  make(map[string]map[int]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	transport.SetReceiver(r.dispatch)
	return r
}

// LocalNode describes this device.
func (r *Relay) LocalNode() Node {
	return r.transport.LocalNode()
}

// Advertise makes this node discoverable under capability.
func (r *Relay) Advertise(ctx context.Context, capability string) error {
	if err := r.transport.Advertise(ctx, capability); err != nil {
		return appErrors.WrapKind(err, appErrors.ErrDeliveryFailed, "failed to advertise relay capability")
	}
	return nil
}

// Withdraw stops advertising capability.
func (r *Relay) Withdraw(ctx context.Context, capability string) error {
	if err := r.transport.Withdraw(ctx, capability); err != nil {
		return appErrors.WrapKind(err, appErrors.ErrDeliveryFailed, "failed to withdraw relay capability")
	}
	return nil
}

// DiscoverNodes lists reachable peers with capability. An empty list is a normal result.
func (r *Relay) DiscoverNodes(ctx context.Context, capability string) ([]Node, error) {
	nodes, err := r.transport.ReachableNodes(ctx, capability)
	if err != nil {
		return nil, appErrors.WrapKind(err, appErrors.ErrDeliveryFailed, "relay discovery failed")
	}
	self := r.transport.LocalNode().ID
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != self {
			out = append(out, n)
		}
	}
	return out, nil
}

// Send delivers payload to one node. Delivery is best-effort and unordered across paths.
func (r *Relay) Send(ctx context.Context, nodeID, path string, payload []byte) error {
	if nodeID == "" || path == "" {
		return appErrors.Clone(appErrors.ErrInvalidInput, "relay target and path are required")
	}
	if err := r.transport.SendMessage(ctx, nodeID, path, payload); err != nil {
		r.observe(path, "out", "failed")
		return appErrors.WrapKind(err, appErrors.ErrDeliveryFailed, fmt.Sprintf("could not deliver %s to %s", path, nodeID))
	}
	r.observe(path, "out", "delivered")
	return nil
}

// Broadcast sends to every node with capability and reports each outcome. Failures are
// returned per node rather than as an error.
func (r *Relay) Broadcast(ctx context.Context, capability, path string, payload []byte) ([]Outcome, error) {
	nodes, err := r.DiscoverNodes(ctx, capability)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(nodes))
	for _, n := range nodes {
		outcomes = append(outcomes, Outcome{Node: n, Err: r.Send(ctx, n.ID, path, payload)})
	}
	return outcomes, nil
}

// OnReceive registers handler for path. Messages on paths without handlers are dropped.
func (r *Relay) OnReceive(path string, handler Handler) Registration {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.handlers[path] == nil {
		r.handlers[path] = make(map[int]Handler)
	}
	r.handlers[path][id] = handler
	r.mu.Unlock()

	return &registration{cancel: func() {
		r.mu.Lock()
		delete(r.handlers[path], id)
		if len(r.handlers[path]) == 0 {
			delete(r.handlers, path)
		}
		r.mu.Unlock()
	}}
}

func (r *Relay) dispatch(msg Message) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[msg.Path]))
	for _, h := range r.handlers[msg.Path] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("ignoring relay message", zap.String("path", msg.Path), zap.String("source", msg.Source))
		r.observe(msg.Path, "in", "ignored")
		return
	}
	r.observe(msg.Path, "in", "handled")
	for _, h := range handlers {
		h(msg)
	}
}

func (r *Relay) observe(path, direction, outcome string) {
	if r.observer != nil {
		r.observer.ObserveRelayMessage(path, direction, outcome)
	}
}

// Close shuts the transport down.
func (r *Relay) Close() error {
	return r.transport.Close()
}

// EncodeCount renders a pending count payload.
func EncodeCount(n int) []byte {
	if n < 0 {
		n = 0
	}
	return []byte(strconv.Itoa(n))
}

// DecodeCount parses a pending count payload.
func DecodeCount(payload []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil || n < 0 {
		return 0, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("invalid pending count %q", payload))
	}
	return n, nil
}
