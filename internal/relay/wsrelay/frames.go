// Package wsrelay carries relay traffic over WebSocket: the gateway runs a Hub and
// companion devices dial it with a Client. The hub answers discovery for itself and
// every connected device and forwards device-to-device messages.
package wsrelay

import (
	"encoding/json"
	"errors"

	"github.com/noah-isme/asknon-api/internal/relay"
)

// Frame types.
const (
	frameAdvertise = "relay.advertise"
	frameWithdraw  = "relay.withdraw"
	frameDiscover  = "relay.discover"
	frameSend      = "relay.send"
	frameAck       = "relay.ack"
	frameNodes     = "relay.nodes"
	frameMessage   = "relay.message"
)

var (
	// ErrUnreachable is returned when the target is not connected.
	ErrUnreachable = errors.New("wsrelay: node not connected")
	// ErrDisconnected is returned when the link dropped with a request in flight.
	ErrDisconnected = errors.New("wsrelay: connection lost")
	// ErrTimeout is returned when the hub did not answer in time.
	ErrTimeout = errors.New("wsrelay: request timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wsrelay: closed")
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type capabilityPayload struct {
	Capability string `json:"capability"`
}

type sendPayload struct {
	Target  string `json:"target"`
	Path    string `json:"path"`
	Payload []byte `json:"payload,omitempty"`
}

type ackPayload struct {
	Error string `json:"error,omitempty"`
}

type nodesPayload struct {
	Nodes []relay.Node `json:"nodes"`
}

type messagePayload struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Payload []byte `json:"payload,omitempty"`
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// only plain structs are marshalled here
		panic(err)
	}
	return raw
}
