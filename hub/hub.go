// Package hub wires the realtime components into one client session: a
// transport, the channel registry on top of it, and the presence, typing,
// notification, call and message services that share that registry.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/chathub/internal/call"
	"github.com/petervdpas/chathub/internal/config"
	"github.com/petervdpas/chathub/internal/messages"
	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/notify"
	"github.com/petervdpas/chathub/internal/presence"
	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/storage"
	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/transport/memory"
	"github.com/petervdpas/chathub/internal/transport/p2p"
	"github.com/petervdpas/chathub/internal/transport/ws"
	"github.com/petervdpas/chathub/internal/typing"
)

var log = logging.Logger("chathub/hub")

// ErrNoTransport is returned by New for the memory transport kind when no
// broker or transport was injected.
var ErrNoTransport = errors.New("hub: memory transport needs WithTransport or WithBroker")

type Option func(*options)

type options struct {
	tr      transport.Transport
	broker  *memory.Broker
	clk     clock.Clock
	media   call.MediaSource
	peers   call.PeerFactory
	perms   notify.Permissions
	display notify.Display
	history call.History
	reg     prometheus.Registerer
}

func WithTransport(tr transport.Transport) Option   { return func(o *options) { o.tr = tr } }
func WithBroker(b *memory.Broker) Option            { return func(o *options) { o.broker = b } }
func WithClock(c clock.Clock) Option                { return func(o *options) { o.clk = c } }
func WithMediaSource(s call.MediaSource) Option     { return func(o *options) { o.media = s } }
func WithPeerFactory(f call.PeerFactory) Option     { return func(o *options) { o.peers = f } }
func WithPermissions(p notify.Permissions) Option   { return func(o *options) { o.perms = p } }
func WithDisplay(d notify.Display) Option           { return func(o *options) { o.display = d } }
func WithHistory(h call.History) Option             { return func(o *options) { o.history = h } }
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.reg = r } }

// Hub is one user's realtime session.
type Hub struct {
	cfg    config.Config
	selfID string

	tr       transport.Transport
	db       *storage.DB
	history  call.History
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	registry *realtime.Registry
	presence *presence.Tracker
	typing   *typing.Manager
	notify   *notify.Router
	calls    *call.Manager
	messages *messages.Stream

	mu       sync.Mutex
	started  bool
	feed     chan presence.Event
	feedDone chan struct{}

	shutdownOnce sync.Once
}

// New builds a hub for cfg. The transport is taken from the options or
// created from cfg.Transport; nothing is subscribed until Start.
func New(cfg config.Config, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hub: config: %w", err)
	}
	o := options{clk: clock.New()}
	for _, fn := range opts {
		fn(&o)
	}

	h := &Hub{cfg: cfg, selfID: cfg.Identity.UserID}

	if cfg.Metrics.Enabled {
		reg := o.reg
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			h.gatherer = g
		}
		h.metrics = metrics.New(reg)
	}

	tr, err := openTransport(cfg, o)
	if err != nil {
		return nil, err
	}
	h.tr = tr

	h.history = o.history
	if h.history == nil {
		if cfg.Call.HistoryDB != "" {
			db, err := storage.Open(cfg.Call.HistoryDB)
			if err != nil {
				_ = tr.Close()
				return nil, fmt.Errorf("hub: history db: %w", err)
			}
			h.db = db
			h.history = db.CallHistory(cfg.Call.HistoryLimit)
		} else {
			h.history = call.NewMemoryHistory(cfg.Call.HistoryLimit)
		}
	}

	peers := o.peers
	if peers == nil {
		f, err := call.NewPionFactory(cfg.Call.ICEServers)
		if err != nil {
			h.closeStores()
			_ = tr.Close()
			return nil, fmt.Errorf("hub: peer factory: %w", err)
		}
		peers = f
	}
	media := o.media
	if media == nil {
		src, err := call.NewDeviceSource()
		if err != nil {
			log.Warnf("hub: local capture unavailable, calls are receive-only: %v", err)
			src = call.ReceiveOnly{}
		}
		media = src
	}

	h.registry = realtime.New(tr,
		realtime.WithMetrics(h.metrics),
		realtime.WithOpenTimeout(cfg.Transport.OpenTimeout()),
	)
	h.presence = presence.New(h.registry, h.selfID,
		presence.WithClock(o.clk),
		presence.WithChannel(cfg.Presence.Channel),
		presence.WithDevice(cfg.Identity.Device),
		presence.WithHeartbeat(cfg.Presence.Heartbeat()),
		presence.WithFreshness(cfg.Presence.Freshness()),
		presence.WithMetrics(h.metrics),
	)
	h.typing = typing.New(h.registry, h.selfID,
		typing.WithClock(o.clk),
		typing.WithExpiry(cfg.Typing.Timeout()),
	)

	notifyOpts := []notify.Option{
		notify.WithClock(o.clk),
		notify.WithChannel(cfg.Notify.ChannelPrefix + h.selfID),
		notify.WithCapacity(cfg.Notify.Capacity),
		notify.WithMaxAge(cfg.Notify.MaxAge()),
		notify.WithNative(cfg.Notify.NativeEnabled),
		notify.WithMetrics(h.metrics),
	}
	if o.display != nil {
		notifyOpts = append(notifyOpts, notify.WithDisplay(o.display))
	}
	if o.perms != nil {
		notifyOpts = append(notifyOpts, notify.WithPermissions(o.perms))
	}
	h.notify = notify.New(h.registry, h.selfID, notifyOpts...)

	h.calls = call.New(call.NewRegistrySignaler(h.registry, cfg.Call.Channel), h.selfID,
		call.WithClock(o.clk),
		call.WithMediaSource(media),
		call.WithPeerFactory(peers),
		call.WithHistory(h.history),
		call.WithMetrics(h.metrics),
	)
	h.calls.OnIncoming(h.notifyIncoming)

	h.messages = messages.New(h.registry, h.selfID,
		messages.WithClock(o.clk),
		messages.WithBufferSize(cfg.Messages.BufferSize),
	)
	return h, nil
}

func openTransport(cfg config.Config, o options) (transport.Transport, error) {
	if o.tr != nil {
		return o.tr, nil
	}
	t := cfg.Transport
	switch t.Kind {
	case config.TransportMemory:
		if o.broker == nil {
			return nil, ErrNoTransport
		}
		return memory.New(o.broker, cfg.Identity.UserID), nil

	case config.TransportWS:
		ctx, cancel := context.WithTimeout(context.Background(), t.OpenTimeout())
		defer cancel()
		tr, err := ws.Dial(ctx, t.URL, cfg.Identity.UserID, ws.WithReconnect(t.ReconnectMin(), t.ReconnectMax()))
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		return tr, nil

	case config.TransportP2P:
		ctx, cancel := context.WithTimeout(context.Background(), t.OpenTimeout())
		defer cancel()
		tr, err := p2p.New(ctx, cfg.Identity.UserID,
			p2p.WithListenPort(t.ListenPort),
			p2p.WithTopicPrefix(t.TopicPrefix),
			p2p.WithBootstrap(t.Bootstrap),
			p2p.WithKeyFile(t.KeyFile),
			p2p.WithMDNS(t.MDNSTag),
		)
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		return tr, nil
	}
	return nil, fmt.Errorf("hub: unknown transport kind %q", t.Kind)
}

// Start joins the presence, notification and call channels and announces
// the local user.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	if err := h.presence.Start(ctx); err != nil {
		return err
	}
	if err := h.notify.Start(ctx); err != nil {
		return err
	}
	if err := h.calls.Start(ctx); err != nil {
		return err
	}
	if h.db != nil {
		h.startContactCache()
	}
	log.Infof("hub [%s]: started", h.selfID)
	return nil
}

// notifyIncoming raises a call notification for a ringing incoming call.
func (h *Hub) notifyIncoming(s call.Session) {
	h.notify.Route(context.Background(), NotificationPayload{
		UserID: h.selfID,
		Type:   notify.TypeCall,
		Body:   fmt.Sprintf("%s is calling (%s)", s.InitiatorID, s.Type),
		Data: map[string]any{
			"call_id":   s.ID,
			"call_type": string(s.Type),
			"from":      s.InitiatorID,
		},
	})
}

// startContactCache records every presence update in the contacts table so
// last-seen information survives restarts.
func (h *Hub) startContactCache() {
	feed := h.presence.Subscribe()
	done := make(chan struct{})
	h.mu.Lock()
	h.feed = feed
	h.feedDone = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range feed {
			if ev.Type != "update" || ev.Record == nil {
				continue
			}
			r := ev.Record
			err := h.db.UpsertContact(storage.Contact{
				UserID:   r.UserID,
				Status:   string(r.Status),
				Activity: r.Activity,
				Device:   r.Device,
				LastSeen: r.LastUpdated,
			})
			if err != nil {
				log.Warnf("hub: contact %s: %v", r.UserID, err)
			}
		}
	}()
}

// Contacts returns the persisted last-seen cache, newest first. It is empty
// without a history database.
func (h *Hub) Contacts() ([]storage.Contact, error) {
	if h.db == nil {
		return nil, nil
	}
	return h.db.ListContacts()
}

// Shutdown announces offline, ends any active call, stops every timer and
// closes the transport and stores. Idempotent.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shutdownOnce.Do(func() {
		h.presence.Stop(ctx)
		h.calls.Close(ctx)
		h.typing.Close()
		h.messages.Close()
		h.notify.Stop()

		h.mu.Lock()
		feed, done := h.feed, h.feedDone
		h.feed = nil
		h.mu.Unlock()
		if feed != nil {
			h.presence.Unsubscribe(feed)
			<-done
		}

		h.registry.Shutdown()
		if err := h.tr.Close(); err != nil {
			log.Warnf("hub: close transport: %v", err)
		}
		h.closeStores()
		log.Infof("hub [%s]: shut down", h.selfID)
	})
}

func (h *Hub) closeStores() {
	if h.history != nil {
		if err := h.history.Close(); err != nil {
			log.Warnf("hub: close history: %v", err)
		}
	}
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			log.Warnf("hub: close db: %v", err)
		}
	}
}

// Watch follows the config file at path and applies the settings that can
// change at runtime (currently the log level) until ctx ends.
func (h *Hub) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, h.Apply)
}

// Apply applies the runtime-changeable parts of cfg.
func (h *Hub) Apply(cfg config.Config) {
	if err := SetLogLevel(cfg.Log.Level); err != nil {
		log.Warnf("hub: log level: %v", err)
	}
	if cfg.Identity.UserID != h.selfID || cfg.Transport.Kind != h.cfg.Transport.Kind {
		log.Warnf("hub: identity or transport changed, restart to apply")
	}
}

// SetLogLevel sets the level of every chathub logger.
func SetLogLevel(level string) error {
	return logging.SetLogLevelRegex("chathub/.*", level)
}

func (h *Hub) SelfID() string                 { return h.selfID }
func (h *Hub) Config() config.Config          { return h.cfg }
func (h *Hub) Transport() transport.Transport { return h.tr }
func (h *Hub) Registry() *realtime.Registry   { return h.registry }
func (h *Hub) Presence() *presence.Tracker    { return h.presence }
func (h *Hub) Typing() *typing.Manager        { return h.typing }
func (h *Hub) Notifications() *notify.Router  { return h.notify }
func (h *Hub) Calls() *call.Manager           { return h.calls }
func (h *Hub) Messages() *messages.Stream     { return h.messages }
func (h *Hub) Metrics() *metrics.Metrics      { return h.metrics }

// MetricsHandler serves the hub's collectors, or 404 when metrics are
// disabled or registered on a registerer that cannot be gathered.
func (h *Hub) MetricsHandler() http.Handler {
	if h.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}
