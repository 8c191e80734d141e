package transport

import "encoding/json"

// Wire frames exchanged with the bus endpoint, one JSON object each.
const (
	opConnected   = "connected"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSend        = "send"
	opMessage     = "message"
	opPong        = "pong"
)

type frame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic,omitempty"`
	// ID is the server-assigned message id used for deduplication.
	ID   string          `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}
