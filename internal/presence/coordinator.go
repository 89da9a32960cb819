// Package presence keeps a companion device attached to the primary host of a session:
// it rediscovers the primary after link loss, pulls the current pending count whenever
// the link comes back and forwards approve-all requests.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/relay"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

// State is the link state towards the primary.
type State int

const (
	Disconnected State = iota
	Discovering
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Relay is the part of the relay protocol the coordinator drives.
type Relay interface {
	Advertise(ctx context.Context, capability string) error
	DiscoverNodes(ctx context.Context, capability string) ([]relay.Node, error)
	Send(ctx context.Context, nodeID, path string, payload []byte) error
	OnReceive(path string, handler relay.Handler) relay.Registration
}

// Options configures a Coordinator.
type Options struct {
	Interval time.Duration
	// OnState is called after every state change.
	OnState func(State)
	// OnCount is called with every pending count received from the primary.
	OnCount func(int)
	Logger  *zap.Logger
}

// Coordinator runs the companion side of the relay for one session.
type Coordinator struct {
	relay     Relay
	sessionID string
	interval  time.Duration
	onState   func(State)
	onCount   func(int)
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	primary    *relay.Node
	count      int
	countKnown bool
	advertised bool
}

// New builds a coordinator for sessionID.
func New(r Relay, sessionID string, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		relay:     r,
		sessionID: sessionID,
		interval:  opts.Interval,
		onState:   opts.OnState,
		onCount:   opts.OnCount,
		logger:    opts.Logger.With(zap.String("session_id", sessionID)),
	}
}

// Run polls discovery until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	reg := c.relay.OnReceive(relay.PathPendingCount, c.handleCount)
	defer reg.Cancel()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.setState(Disconnected, nil)
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one discovery round.
func (c *Coordinator) tick(ctx context.Context) {
	capability := relay.CompanionCapability(c.sessionID)

	c.mu.Lock()
	state := c.state
	advertised := c.advertised
	current := c.primary
	c.mu.Unlock()

	if state == Disconnected {
		c.setState(Discovering, nil)
	}
	if !advertised || state != Connected {
		if err := c.relay.Advertise(ctx, capability); err != nil {
			c.logger.Info("companion advertise failed", zap.Error(err))
			c.lost()
			return
		}
		c.mu.Lock()
		c.advertised = true
		c.mu.Unlock()
	}

	nodes, err := c.relay.DiscoverNodes(ctx, relay.PrimaryCapability(c.sessionID))
	if err != nil {
		c.logger.Info("primary discovery failed", zap.Error(err))
		c.lost()
		return
	}
	if len(nodes) == 0 {
		c.lost()
		return
	}

	if state == Connected && current != nil {
		for _, n := range nodes {
			if n.ID == current.ID {
				return
			}
		}
	}

	primary := nodes[0]
	c.setState(Connected, &primary)
	// every (re)connect pulls the current value instead of waiting for the next change
	if err := c.relay.Send(ctx, primary.ID, relay.PathRequestCount, nil); err != nil {
		c.logger.Info("pending count request failed", zap.String("node_id", primary.ID), zap.Error(err))
		c.lost()
	}
}

func (c *Coordinator) lost() {
	c.mu.Lock()
	c.advertised = false
	c.mu.Unlock()
	c.setState(Disconnected, nil)
}

func (c *Coordinator) setState(next State, primary *relay.Node) {
	c.mu.Lock()
	changed := c.state != next || (primary != nil && (c.primary == nil || c.primary.ID != primary.ID))
	c.state = next
	if next == Connected {
		c.primary = primary
	} else {
		c.primary = nil
	}
	fn := c.onState
	c.mu.Unlock()

	if changed {
		c.logger.Debug("presence state", zap.Stringer("state", next))
		if fn != nil {
			fn(next)
		}
	}
}

func (c *Coordinator) handleCount(msg relay.Message) {
	n, err := relay.DecodeCount(msg.Payload)
	if err != nil {
		c.logger.Warn("ignoring malformed pending count", zap.String("source", msg.Source), zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.primary != nil && msg.Source != c.primary.ID {
		c.mu.Unlock()
		return
	}
	c.count = n
	c.countKnown = true
	fn := c.onCount
	c.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// ApproveAll asks the connected primary to approve every pending question.
func (c *Coordinator) ApproveAll(ctx context.Context) error {
	c.mu.Lock()
	primary := c.primary
	c.mu.Unlock()
	if primary == nil {
		return appErrors.Clone(appErrors.ErrDeliveryFailed, "no primary device connected")
	}
	if err := c.relay.Send(ctx, primary.ID, relay.PathApproveAll, nil); err != nil {
		c.lost()
		return err
	}
	return nil
}

// State returns the current link state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Count returns the last pending count received and whether one has arrived.
func (c *Coordinator) Count() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.countKnown
}

// Primary returns the connected primary, if any.
func (c *Coordinator) Primary() (relay.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == nil {
		return relay.Node{}, false
	}
	return *c.primary, true
}
