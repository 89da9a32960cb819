package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/noah-isme/asknon-api/internal/relay"
)

const maxDecodeErrorsPerConn = 5

// Hub is the gateway-side transport. Devices connect to its Handler.
type Hub struct {
	node   relay.Node
	logger *zap.Logger

	mu       sync.RWMutex
	caps     map[string]bool
	peers    map[string]*peer
	receiver func(relay.Message)
	closed   bool

	// serialises delivery to the local receiver across connections
	deliverMu sync.Mutex
}

type peer struct {
	node relay.Node
	conn *websocket.Conn
	caps map[string]bool

	writeMu sync.Mutex
	enc     *json.Encoder
}

func (p *peer) write(f wsFrame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.enc.Encode(f)
}

func (p *peer) describe() relay.Node {
	node := p.node
	node.Capabilities = sortedKeys(p.caps)
	return node
}

var _ relay.Transport = (*Hub)(nil)

// NewHub creates a hub identified as nodeID.
func NewHub(nodeID, name string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		node:   relay.Node{ID: nodeID, Name: name},
		logger: logger,
		caps:   make(map[string]bool),
		peers:  make(map[string]*peer),
	}
}

// Handler upgrades device connections. Query: node_id (required), name, capability (repeatable).
func (h *Hub) Handler() http.Handler {
	ws := websocket.Handler(h.serve)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		nodeID := strings.TrimSpace(r.URL.Query().Get("node_id"))
		if nodeID == "" || nodeID == h.node.ID {
			http.Error(w, "node_id is required", http.StatusBadRequest)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func (h *Hub) serve(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	query := conn.Request().URL.Query()
	p := &peer{
		node: relay.Node{ID: strings.TrimSpace(query.Get("node_id")), Name: query.Get("name")},
		conn: conn,
		caps: make(map[string]bool),
		enc:  json.NewEncoder(conn),
	}
	for _, c := range query["capability"] {
		if c = strings.TrimSpace(c); c != "" {
			p.caps[c] = true
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	replaced := h.peers[p.node.ID]
	h.peers[p.node.ID] = p
	h.mu.Unlock()
	if replaced != nil {
		// a device that reconnects takes over its id; the stale socket is dropped
		_ = replaced.conn.Close()
	}
	h.logger.Info("relay device connected", zap.String("node_id", p.node.ID), zap.Strings("capabilities", sortedKeys(p.caps)))

	defer func() {
		h.mu.Lock()
		if h.peers[p.node.ID] == p {
			delete(h.peers, p.node.ID)
		}
		h.mu.Unlock()
		h.logger.Info("relay device disconnected", zap.String("node_id", p.node.ID))
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var f wsFrame
		if err := decoder.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) || isClosedConn(err) {
				return
			}
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// the decoder cannot resync after a syntax error
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0
		h.handleFrame(p, f)
	}
}

func isClosedConn(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (h *Hub) handleFrame(p *peer, f wsFrame) {
	switch f.Type {
	case frameAdvertise, frameWithdraw:
		var body capabilityPayload
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.Capability == "" {
			h.ack(p, f.RequestID, errors.New("capability is required"))
			return
		}
		h.mu.Lock()
		if f.Type == frameAdvertise {
			p.caps[body.Capability] = true
		} else {
			delete(p.caps, body.Capability)
		}
		h.mu.Unlock()
		h.ack(p, f.RequestID, nil)
	case frameDiscover:
		var body capabilityPayload
		if err := json.Unmarshal(f.Payload, &body); err != nil {
			h.ack(p, f.RequestID, errors.New("invalid discover payload"))
			return
		}
		nodes := h.nodesWith(body.Capability, p.node.ID)
		if err := p.write(wsFrame{Type: frameNodes, RequestID: f.RequestID, Payload: mustJSON(nodesPayload{Nodes: nodes})}); err != nil {
			h.logger.Debug("relay write failed", zap.String("node_id", p.node.ID), zap.Error(err))
		}
	case frameSend:
		var body sendPayload
		if err := json.Unmarshal(f.Payload, &body); err != nil || body.Target == "" || body.Path == "" {
			h.ack(p, f.RequestID, errors.New("target and path are required"))
			return
		}
		msg := relay.Message{Source: p.node.ID, Path: body.Path, Payload: body.Payload}
		h.ack(p, f.RequestID, h.route(body.Target, msg))
	default:
		h.ack(p, f.RequestID, fmt.Errorf("unknown frame type %q", f.Type))
	}
}

func (h *Hub) ack(p *peer, requestID string, err error) {
	body := ackPayload{}
	if err != nil {
		body.Error = err.Error()
	}
	if werr := p.write(wsFrame{Type: frameAck, RequestID: requestID, Payload: mustJSON(body)}); werr != nil {
		h.logger.Debug("relay write failed", zap.String("node_id", p.node.ID), zap.Error(werr))
	}
}

// route delivers to the hub itself or forwards to a connected device.
func (h *Hub) route(target string, msg relay.Message) error {
	if target == h.node.ID {
		h.mu.RLock()
		fn := h.receiver
		h.mu.RUnlock()
		if fn != nil {
			h.deliverMu.Lock()
			fn(msg)
			h.deliverMu.Unlock()
		}
		return nil
	}
	h.mu.RLock()
	p := h.peers[target]
	h.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%s: %w", target, ErrUnreachable)
	}
	payload := mustJSON(messagePayload{Source: msg.Source, Path: msg.Path, Payload: msg.Payload})
	if err := p.write(wsFrame{Type: frameMessage, Payload: payload}); err != nil {
		return fmt.Errorf("%s: %w: %v", target, ErrUnreachable, err)
	}
	return nil
}

func (h *Hub) nodesWith(capability, exclude string) []relay.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nodes := make([]relay.Node, 0)
	if h.caps[capability] && h.node.ID != exclude {
		node := h.node
		node.Capabilities = sortedKeys(h.caps)
		nodes = append(nodes, node)
	}
	for id, p := range h.peers {
		if id != exclude && p.caps[capability] {
			nodes = append(nodes, p.describe())
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (h *Hub) LocalNode() relay.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node := h.node
	node.Capabilities = sortedKeys(h.caps)
	return node
}

func (h *Hub) Advertise(ctx context.Context, capability string) error {
	h.mu.Lock()
	h.caps[capability] = true
	h.mu.Unlock()
	return nil
}

func (h *Hub) Withdraw(ctx context.Context, capability string) error {
	h.mu.Lock()
	delete(h.caps, capability)
	h.mu.Unlock()
	return nil
}

func (h *Hub) ReachableNodes(ctx context.Context, capability string) ([]relay.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.nodesWith(capability, h.node.ID), nil
}

func (h *Hub) SendMessage(ctx context.Context, nodeID, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.route(nodeID, relay.Message{Source: h.node.ID, Path: path, Payload: payload})
}

func (h *Hub) SetReceiver(fn func(relay.Message)) {
	h.mu.Lock()
	h.receiver = fn
	h.mu.Unlock()
}

// Connected returns the number of attached devices.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close drops every device connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
