// Package transport defines the pub/sub collaborator the hub runs on.
// Implementations live in the subpackages (memory, ws, p2p); the rest of the
// hub is coupled to them only through the Transport interface.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned when the underlying connection is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrUnknownHandle is returned for handles that were closed or belong to
	// a connection that has since dropped.
	ErrUnknownHandle = errors.New("transport: unknown channel handle")
)

// Event is one inbound wire event: {channel, kind, payload}.
type Event struct {
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Status is the connection state reported through OnStatus.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Handle identifies one open channel on a transport.
type Handle interface {
	Name() string
}

// Transport is the only surface the hub needs from the backend.
//
// Events for one channel are delivered in arrival order from a single
// goroutine. A sender never receives its own events.
type Transport interface {
	// OpenChannel joins a named channel and blocks until the backend
	// acknowledges it or ctx expires.
	OpenChannel(ctx context.Context, name string) (Handle, error)

	// OnEvent registers fn for events on h whose kind satisfies match.
	// A nil match accepts every kind.
	OnEvent(h Handle, match func(kind string) bool, fn func(Event))

	// Send publishes one event on an open channel.
	Send(ctx context.Context, h Handle, kind string, payload json.RawMessage) error

	// CloseChannel leaves the channel and releases its resources.
	CloseChannel(h Handle) error

	// OnStatus registers a callback for connection state changes. After a
	// Disconnected/Connected cycle every handle opened before it is invalid.
	OnStatus(fn func(Status))

	Close() error
}
