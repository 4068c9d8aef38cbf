// Package memory is an in-process transport: a Broker fans events out to
// every Transport joined to the same channel. It backs local loopback
// sessions and multi-party tests, and can simulate connection drops.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/transport"
)

var log = logging.Logger("chathub/transport/memory")

// Broker is the shared backend that in-memory transports connect to.
type Broker struct {
	mu      sync.Mutex
	members map[string]map[*handle]struct{} // channel → joined handles
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{members: make(map[string]map[*handle]struct{})}
}

// Members returns the number of handles joined to channel.
func (b *Broker) Members(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members[channel])
}

func (b *Broker) join(h *handle) {
	b.mu.Lock()
	set, ok := b.members[h.name]
	if !ok {
		set = make(map[*handle]struct{})
		b.members[h.name] = set
	}
	set[h] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) leave(h *handle) {
	b.mu.Lock()
	if set, ok := b.members[h.name]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(b.members, h.name)
		}
	}
	b.mu.Unlock()
}

func (b *Broker) publish(from *handle, evt transport.Event) int {
	b.mu.Lock()
	targets := make([]*handle, 0, len(b.members[evt.Channel]))
	for h := range b.members[evt.Channel] {
		if h.t == from.t {
			continue
		}
		targets = append(targets, h)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h.inbox.Push(evt)
	}
	return len(targets)
}

// Transport is one client connection to a Broker.
type Transport struct {
	broker *Broker
	selfID string

	mu        sync.Mutex
	connected bool
	closed    bool
	handles   map[*handle]struct{}
	statusFns []func(transport.Status)
	failOpen  error
}

// New connects a transport for selfID to broker.
func New(broker *Broker, selfID string) *Transport {
	return &Transport{
		broker:    broker,
		selfID:    selfID,
		connected: true,
		handles:   make(map[*handle]struct{}),
	}
}

// SetFailOpen makes subsequent OpenChannel calls fail with err (nil clears it).
func (t *Transport) SetFailOpen(err error) {
	t.mu.Lock()
	t.failOpen = err
	t.mu.Unlock()
}

// OpenChannel joins name on the broker.
func (t *Transport) OpenChannel(ctx context.Context, name string) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return nil, transport.ErrClosed
	case !t.connected:
		return nil, transport.ErrNotConnected
	case t.failOpen != nil:
		return nil, fmt.Errorf("memory: open %s: %w", name, t.failOpen)
	}

	h := newHandle(t, name)
	t.handles[h] = struct{}{}
	t.broker.join(h)
	log.Debugf("memory [%s]: joined %s", t.selfID, name)
	return h, nil
}

// OnEvent registers fn for events on h.
func (t *Transport) OnEvent(th transport.Handle, match func(kind string) bool, fn func(transport.Event)) {
	h, ok := th.(*handle)
	if !ok || h.t != t {
		return
	}
	h.inbox.Subscribe(match, fn)
}

// Send publishes an event to every other transport joined to the channel.
func (t *Transport) Send(ctx context.Context, th transport.Handle, kind string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := t.lookup(th)
	if err != nil {
		return err
	}
	n := t.broker.publish(h, transport.Event{
		Channel: h.name,
		Kind:    kind,
		From:    t.selfID,
		Payload: payload,
	})
	log.Debugf("memory [%s]: %s/%s delivered to %d", t.selfID, h.name, kind, n)
	return nil
}

// CloseChannel leaves the channel. Closing an unknown handle is a no-op.
func (t *Transport) CloseChannel(th transport.Handle) error {
	h, ok := th.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	t.mu.Lock()
	_, known := t.handles[h]
	delete(t.handles, h)
	t.mu.Unlock()
	if !known {
		return nil
	}
	t.broker.leave(h)
	h.inbox.Stop()
	return nil
}

// OnStatus registers a connection state callback.
func (t *Transport) OnStatus(fn func(transport.Status)) {
	t.mu.Lock()
	t.statusFns = append(t.statusFns, fn)
	t.mu.Unlock()
}

// Disconnect simulates a dropped connection: every channel is left and every
// handle becomes invalid. Status callbacks run before Disconnect returns.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	dropped := t.handles
	t.handles = make(map[*handle]struct{})
	fns := append([]func(transport.Status){}, t.statusFns...)
	t.mu.Unlock()

	for h := range dropped {
		t.broker.leave(h)
		h.inbox.Stop()
	}
	log.Infof("memory [%s]: disconnected (%d channels dropped)", t.selfID, len(dropped))
	for _, fn := range fns {
		fn(transport.Disconnected)
	}
}

// Reconnect restores the connection and fires Connected callbacks.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	if t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = true
	fns := append([]func(transport.Status){}, t.statusFns...)
	t.mu.Unlock()

	log.Infof("memory [%s]: reconnected", t.selfID)
	for _, fn := range fns {
		fn(transport.Connected)
	}
}

// Close leaves every channel. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	handles := t.handles
	t.handles = nil
	t.mu.Unlock()

	for h := range handles {
		t.broker.leave(h)
		h.inbox.Stop()
	}
	return nil
}

func (t *Transport) lookup(th transport.Handle) (*handle, error) {
	h, ok := th.(*handle)
	if !ok {
		return nil, transport.ErrUnknownHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if !t.connected {
		return nil, transport.ErrNotConnected
	}
	if _, ok := t.handles[h]; !ok {
		return nil, transport.ErrUnknownHandle
	}
	return h, nil
}

// handle is one joined channel; its inbox delivers in arrival order.
type handle struct {
	name  string
	t     *Transport
	inbox *transport.Inbox
}

func newHandle(t *Transport, name string) *handle {
	return &handle{name: name, t: t, inbox: transport.NewInbox()}
}

func (h *handle) Name() string { return h.name }
