// Package realtime turns paired socket events into awaitable calls and
// provides the websocket client they run over.
package realtime

import "encoding/json"

// EventDisconnect is dispatched locally when a client loses its connection.
const EventDisconnect = "disconnect"

// Message is one inbound event.
type Message struct {
	Event     string
	RequestID string
	Data      json.RawMessage
}

// Handler receives inbound events. Handlers run on the socket's read
// goroutine and must not block.
type Handler func(Message)

// Socket is a live bidirectional event channel.
type Socket interface {
	Connected() bool
	// Emit sends event with payload. A non-empty requestID is carried in the
	// envelope so the server can echo it back.
	Emit(event, requestID string, payload any) error
	// On registers h for event and returns a func that removes it.
	On(event string, h Handler) (off func())
}

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}
