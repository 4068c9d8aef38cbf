package ws

import "encoding/json"

// Frame types on the relay socket.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
)

// Frame is one JSON text message on the relay socket. Joins and leaves carry
// a ref that the relay echoes in its ack or error.
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
