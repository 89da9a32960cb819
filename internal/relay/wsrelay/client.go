package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/noah-isme/asknon-api/internal/relay"
)

// ClientOptions configures a device-side client.
type ClientOptions struct {
	URL      string
	Origin   string
	NodeID   string
	NodeName string
	// Timeout bounds every request to the hub.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client is the companion-side transport. It dials lazily and redials after link loss on
// the next request.
type Client struct {
	opts   ClientOptions
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	caps     map[string]bool
	pending  map[string]chan wsFrame
	nextReq  uint64
	receiver func(relay.Message)
	closed   bool

	writeMu sync.Mutex
}

var _ relay.Transport = (*Client)(nil)

// NewClient builds a client; no connection is made until the first request.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.NodeID == "" {
		return nil, errors.New("wsrelay: node id is required")
	}
	if _, err := url.Parse(opts.URL); err != nil || opts.URL == "" {
		return nil, fmt.Errorf("wsrelay: invalid hub url %q", opts.URL)
	}
	if opts.Origin == "" {
		opts.Origin = "http://localhost/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		caps:    make(map[string]bool),
		pending: make(map[string]chan wsFrame),
	}, nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("node_id", c.opts.NodeID)
	if c.opts.NodeName != "" {
		q.Set("name", c.opts.NodeName)
	}
	q.Del("capability")
	for _, capability := range sortedKeys(c.caps) {
		q.Add("capability", capability)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ensureConn returns the live connection, dialing if needed. Caller must not hold c.mu.
func (c *Client) ensureConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, c.opts.Origin)
	if err != nil {
		return nil, err
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial relay hub: %w", err)
	}
	c.conn = conn
	go c.readLoop(conn)
	c.logger.Info("relay connected", zap.String("url", c.opts.URL))
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var f wsFrame
		if err := decoder.Decode(&f); err != nil {
			c.dropConn(conn, err)
			return
		}
		switch f.Type {
		case frameMessage:
			var body messagePayload
			if err := json.Unmarshal(f.Payload, &body); err != nil {
				c.logger.Warn("dropping malformed relay message", zap.Error(err))
				continue
			}
			c.mu.Lock()
			fn := c.receiver
			c.mu.Unlock()
			if fn != nil {
				fn(relay.Message{Source: body.Source, Path: body.Path, Payload: body.Payload})
			}
		default:
			c.mu.Lock()
			ch, ok := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan wsFrame)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if !closed {
		c.logger.Info("relay connection lost", zap.Error(cause))
	}
}

func (c *Client) request(ctx context.Context, frameType string, payload interface{}) (wsFrame, error) {
	conn, err := c.ensureConn()
	if err != nil {
		return wsFrame{}, err
	}

	ch := make(chan wsFrame, 1)
	c.mu.Lock()
	c.nextReq++
	id := strconv.FormatUint(c.nextReq, 10)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = json.NewEncoder(conn).Encode(wsFrame{Type: frameType, RequestID: id, Payload: mustJSON(payload)})
	c.writeMu.Unlock()
	if err != nil {
		c.dropConn(conn, err)
		return wsFrame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return wsFrame{}, ErrDisconnected
		}
		return f, nil
	case <-timer.C:
		c.forget(id)
		return wsFrame{}, ErrTimeout
	case <-ctx.Done():
		c.forget(id)
		return wsFrame{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func ackError(f wsFrame) error {
	var body ackPayload
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if body.Error != "" {
		return errors.New(body.Error)
	}
	return nil
}

func (c *Client) LocalNode() relay.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return relay.Node{ID: c.opts.NodeID, Name: c.opts.NodeName, Capabilities: sortedKeys(c.caps)}
}

// Advertise registers capability with the hub. It is remembered and replayed on redial.
func (c *Client) Advertise(ctx context.Context, capability string) error {
	c.mu.Lock()
	c.caps[capability] = true
	c.mu.Unlock()
	f, err := c.request(ctx, frameAdvertise, capabilityPayload{Capability: capability})
	if err != nil {
		return err
	}
	return ackError(f)
}

func (c *Client) Withdraw(ctx context.Context, capability string) error {
	c.mu.Lock()
	delete(c.caps, capability)
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	f, err := c.request(ctx, frameWithdraw, capabilityPayload{Capability: capability})
	if err != nil {
		return err
	}
	return ackError(f)
}

func (c *Client) ReachableNodes(ctx context.Context, capability string) ([]relay.Node, error) {
	f, err := c.request(ctx, frameDiscover, capabilityPayload{Capability: capability})
	if err != nil {
		return nil, err
	}
	if f.Type == frameAck {
		if err := ackError(f); err != nil {
			return nil, err
		}
	}
	var body nodesPayload
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	return body.Nodes, nil
}

func (c *Client) SendMessage(ctx context.Context, nodeID, path string, payload []byte) error {
	f, err := c.request(ctx, frameSend, sendPayload{Target: nodeID, Path: path, Payload: payload})
	if err != nil {
		return err
	}
	return ackError(f)
}

func (c *Client) SetReceiver(fn func(relay.Message)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

// Connected reports whether a hub connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close disconnects and rejects further requests.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConn(conn, ErrClosed)
	}
	return nil
}
