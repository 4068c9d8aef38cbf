// Package realtime owns the hub's transport channels. Registrations are the
// source of truth: a channel is opened on the first Subscribe, closed when
// its last registration goes away, and re-opened after a transport reconnect
// without any caller action.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/realtime")

var (
	// ErrInvalidSubscription is returned for empty channel names, kinds or
	// a nil listener.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")

	// ErrShutdown is returned by Subscribe after Shutdown.
	ErrShutdown = errors.New("realtime: registry shut down")
)

// Event is an inbound wire event.
type Event = transport.Event

// Listener receives events for one (channel, kind) registration. A returned
// error is logged; it never affects other listeners.
type Listener func(Event) error

// ChannelState is the lifecycle state of one channel.
type ChannelState int

const (
	StateClosed ChannelState = iota
	StatePending
	StateOpen
)

func (s ChannelState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ChannelInfo is a read-only view of one channel.
type ChannelInfo struct {
	Name      string       `json:"name"`
	State     ChannelState `json:"state"`
	Listeners int          `json:"listeners"`
}

// Subscription is one listener registration.
type Subscription struct {
	id      string
	channel string
	kind    string
	fn      Listener
	reg     *Registry

	active atomic.Bool
	once   sync.Once
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Channel() string { return s.channel }
func (s *Subscription) Kind() string    { return s.kind }

// Active reports whether the registration still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Unsubscribe removes the registration. Only the first call has an effect.
func (s *Subscription) Unsubscribe() { s.reg.Unsubscribe(s) }

func (s *Subscription) matches(kind string) bool {
	return s.kind == proto.KindAny || s.kind == kind
}

// channelEntry is the registry's record of one channel. handle is nil while
// the channel is pending.
type channelEntry struct {
	name    string
	state   ChannelState
	handle  transport.Handle
	regs    []*Subscription
	gen     uint64 // identifies the in-flight open; 0 when none
	opening bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records dispatch and channel metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithOpenTimeout bounds how long Subscribe waits for a channel open
// acknowledgement.
func WithOpenTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.openTimeout = d
		}
	}
}

// Registry maps channels to their ordered listener registrations.
type Registry struct {
	tr          transport.Transport
	metrics     *metrics.Metrics
	openTimeout time.Duration

	mu        sync.Mutex
	channels  map[string]*channelEntry
	connected bool
	shutdown  bool
	gen       uint64
}

// New creates a registry over tr and starts following its connection status.
func New(tr transport.Transport, opts ...Option) *Registry {
	r := &Registry{
		tr:          tr,
		openTimeout: util.DefaultOpenTimeout,
		channels:    make(map[string]*channelEntry),
		connected:   true,
	}
	for _, o := range opts {
		o(r)
	}
	tr.OnStatus(r.onStatus)
	return r
}

// Subscribe registers fn for events of kind on channel ("*" matches every
// kind). The channel is opened if it is not open or opening already. A
// transport failure is logged and leaves the channel pending; the
// registration is kept and the channel is re-opened on the next reconnect.
func (r *Registry) Subscribe(ctx context.Context, channel, kind string, fn Listener) (*Subscription, error) {
	channel, err := util.ValidateName(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: channel: %v", ErrInvalidSubscription, err)
	}
	kind, err = util.ValidateName(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: kind: %v", ErrInvalidSubscription, err)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrInvalidSubscription)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		channel: channel,
		kind:    kind,
		fn:      fn,
		reg:     r,
	}
	sub.active.Store(true)

	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	e, ok := r.channels[channel]
	if !ok {
		e = &channelEntry{name: channel, state: StatePending}
		r.channels[channel] = e
	}
	e.regs = append(e.regs, sub)
	gen := r.beginOpenLocked(e)
	r.mu.Unlock()

	if gen != 0 {
		r.open(ctx, channel, gen)
	}
	return sub, nil
}

// Unsubscribe removes sub. When it was the channel's last registration the
// channel is closed and its transport resources released. Idempotent.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.active.Store(false)

		r.mu.Lock()
		e, ok := r.channels[sub.channel]
		if !ok {
			r.mu.Unlock()
			return
		}
		for i, s := range e.regs {
			if s == sub {
				e.regs = append(e.regs[:i], e.regs[i+1:]...)
				break
			}
		}
		var h transport.Handle
		if len(e.regs) == 0 {
			delete(r.channels, e.name)
			h = e.handle
			e.handle = nil
			e.state = StateClosed
			e.gen = 0
		}
		r.updateGaugeLocked()
		r.mu.Unlock()

		if h != nil {
			if err := r.tr.CloseChannel(h); err != nil {
				log.Warnf("realtime [%s]: close: %v", sub.channel, err)
			} else {
				log.Debugf("realtime [%s]: closed (no listeners)", sub.channel)
			}
		}
	})
}

// Broadcast sends payload as kind on an existing open channel. It never
// creates a channel; false means nothing was sent (the reason is logged).
// payload may be json.RawMessage, []byte of JSON, or any marshalable value.
func (r *Registry) Broadcast(ctx context.Context, channel, kind string, payload any) bool {
	r.mu.Lock()
	e, ok := r.channels[channel]
	var h transport.Handle
	if ok && e.state == StateOpen {
		h = e.handle
	}
	r.mu.Unlock()

	if h == nil {
		log.Warnf("realtime [%s]: broadcast %s dropped: channel not open", channel, kind)
		r.metrics.BroadcastFailed(kind, "no_channel")
		return false
	}

	raw, err := encodePayload(payload)
	if err != nil {
		log.Warnf("realtime [%s]: broadcast %s: encode: %v", channel, kind, err)
		r.metrics.BroadcastFailed(kind, "encode_error")
		return false
	}
	if err := r.tr.Send(ctx, h, kind, raw); err != nil {
		log.Warnf("realtime [%s]: broadcast %s: %v", channel, kind, err)
		r.metrics.BroadcastFailed(kind, "send_error")
		return false
	}
	return true
}

// Shutdown closes every channel and clears every registration. Idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	var handles []transport.Handle
	for _, e := range r.channels {
		for _, s := range e.regs {
			s.active.Store(false)
		}
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	n := len(r.channels)
	r.channels = make(map[string]*channelEntry)
	r.updateGaugeLocked()
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.tr.CloseChannel(h); err != nil {
			log.Debugf("realtime [%s]: close on shutdown: %v", h.Name(), err)
		}
	}
	log.Infof("realtime: shut down (%d channels)", n)
}

// State returns the channel's lifecycle state; unknown channels are closed.
func (r *Registry) State(channel string) ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[channel]; ok {
		return e.state
	}
	return StateClosed
}

// Count returns the number of live registrations on channel.
func (r *Registry) Count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[channel]; ok {
		return len(e.regs)
	}
	return 0
}

// Channels lists every known channel, sorted by name.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.Lock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, ChannelInfo{Name: e.name, State: e.state, Listeners: len(e.regs)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// beginOpenLocked marks e as opening and returns the generation for the open
// attempt, or 0 when no open is needed.
func (r *Registry) beginOpenLocked(e *channelEntry) uint64 {
	if e.handle != nil || e.opening || !r.connected || len(e.regs) == 0 {
		return 0
	}
	r.gen++
	e.gen = r.gen
	e.opening = true
	e.state = StatePending
	return e.gen
}

// open performs the transport open for channel outside the lock and installs
// the handle if the attempt is still current.
func (r *Registry) open(ctx context.Context, channel string, gen uint64) {
	octx, cancel := context.WithTimeout(ctx, r.openTimeout)
	h, err := r.tr.OpenChannel(octx, channel)
	cancel()

	r.mu.Lock()
	e, ok := r.channels[channel]
	current := ok && e.gen == gen && !r.shutdown
	if current {
		e.opening = false
		e.gen = 0
		if err == nil {
			e.handle = h
			e.state = StateOpen
		}
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	// The handle is installed before the listener is attached; the transport
	// holds events that arrive in between.
	if err == nil && current {
		r.tr.OnEvent(h, nil, func(evt transport.Event) { r.dispatch(channel, h, evt) })
	}

	switch {
	case err != nil && current:
		log.Warnf("realtime [%s]: open failed, channel pending until reconnect: %v", channel, err)
	case err != nil:
		log.Debugf("realtime [%s]: stale open failed: %v", channel, err)
	case !current:
		// The last listener left (or the connection dropped) while the open
		// was in flight.
		_ = r.tr.CloseChannel(h)
		log.Debugf("realtime [%s]: discarded stale open", channel)
	default:
		log.Debugf("realtime [%s]: open", channel)
	}
}

// onStatus follows the transport connection. Registrations survive a drop;
// every channel with listeners is re-opened on reconnect.
func (r *Registry) onStatus(s transport.Status) {
	switch s {
	case transport.Disconnected:
		r.mu.Lock()
		r.connected = false
		for _, e := range r.channels {
			e.handle = nil
			e.state = StatePending
			e.opening = false
			e.gen = 0
		}
		r.updateGaugeLocked()
		n := len(r.channels)
		r.mu.Unlock()
		log.Warnf("realtime: transport disconnected, %d channels pending", n)

	case transport.Connected:
		type reopen struct {
			name string
			gen  uint64
		}
		r.mu.Lock()
		if r.shutdown {
			r.mu.Unlock()
			return
		}
		r.connected = true
		var todo []reopen
		for _, e := range r.channels {
			if gen := r.beginOpenLocked(e); gen != 0 {
				todo = append(todo, reopen{e.name, gen})
			}
		}
		r.mu.Unlock()

		sort.Slice(todo, func(i, j int) bool { return todo[i].name < todo[j].name })
		log.Infof("realtime: transport reconnected, re-opening %d channels", len(todo))
		for _, ro := range todo {
			r.open(context.Background(), ro.name, ro.gen)
		}
	}
}

func (r *Registry) updateGaugeLocked() {
	if r.metrics == nil {
		return
	}
	n := 0
	for _, e := range r.channels {
		if e.state == StateOpen {
			n++
		}
	}
	r.metrics.SetChannelsOpen(n)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
