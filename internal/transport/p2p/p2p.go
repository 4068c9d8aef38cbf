// Package p2p is a serverless transport: every channel is a gossipsub topic
// on a libp2p host. Peers find each other through bootstrap addresses or
// mDNS on the local network.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/transport/p2p")

func init() {
	// Dial failures and backoff errors from libp2p are noise at info.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("mdns", "warn")
}

type Option func(*Transport)

func WithListenPort(port int) Option      { return func(t *Transport) { t.listenPort = port } }
func WithListenHost(ip string) Option     { return func(t *Transport) { t.listenHost = ip } }
func WithTopicPrefix(p string) Option     { return func(t *Transport) { t.prefix = p } }
func WithBootstrap(addrs []string) Option { return func(t *Transport) { t.bootstrap = addrs } }

// WithKeyFile persists the host identity at path. Without it every run gets
// a fresh peer ID.
func WithKeyFile(path string) Option { return func(t *Transport) { t.keyFile = path } }

// WithMDNS enables LAN discovery under tag. An empty tag disables it.
func WithMDNS(tag string) Option { return func(t *Transport) { t.mdnsTag = tag } }

// envelope is the gossip payload of one event.
type envelope struct {
	Kind    string          `json:"kind"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Transport publishes channels as gossipsub topics.
type Transport struct {
	selfID     string
	listenHost string
	listenPort int
	prefix     string
	bootstrap  []string
	keyFile    string
	mdnsTag    string

	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service

	// statusMu keeps Disconnected and Connected callbacks in order.
	statusMu sync.Mutex

	mu        sync.Mutex
	topics    map[string]*topicEntry
	statusFns []func(transport.Status)
	online    bool
	wentDown  bool
	closed    bool
}

// topicEntry is one joined topic shared by every handle of the channel.
type topicEntry struct {
	name    string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	cancel  context.CancelFunc
	handles []*handle
}

type handle struct {
	name  string
	entry *topicEntry
	inbox *transport.Inbox
}

func (h *handle) Name() string { return h.name }

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultOpenTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("p2p: mdns connect %s: %v", pi.ID, err)
	}
}

// New starts a libp2p host for selfID, joins the gossip network and dials
// the bootstrap peers. Unreachable bootstrap peers are logged, not fatal.
func New(ctx context.Context, selfID string, opts ...Option) (*Transport, error) {
	t := &Transport{
		selfID:     selfID,
		listenHost: "0.0.0.0",
		prefix:     "chathub.",
		topics:     make(map[string]*topicEntry),
	}
	for _, o := range opts {
		o(t)
	}

	priv, err := t.identity()
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", t.listenHost, t.listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: host: %w", err)
	}
	t.host = h
	t.ctx, t.cancel = context.WithCancel(context.Background())

	ps, err := pubsub.NewGossipSub(t.ctx, h)
	if err != nil {
		t.cancel()
		_ = h.Close()
		return nil, fmt.Errorf("p2p: gossipsub: %w", err)
	}
	t.ps = ps

	peerEvents, err := h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		t.cancel()
		_ = h.Close()
		return nil, fmt.Errorf("p2p: event bus: %w", err)
	}
	go t.watchPeers(peerEvents)

	if t.mdnsTag != "" {
		t.mdns = mdns.NewMdnsService(h, t.mdnsTag, &mdnsNotifee{h: h})
		if err := t.mdns.Start(); err != nil {
			t.Close()
			return nil, fmt.Errorf("p2p: mdns: %w", err)
		}
	}

	for _, raw := range t.bootstrap {
		if err := t.connect(ctx, raw); err != nil {
			log.Warnf("p2p [%s]: bootstrap %s: %v", selfID, raw, err)
		}
	}

	log.Infof("p2p [%s]: host %s listening on %v", selfID, h.ID(), h.Addrs())
	return t, nil
}

// identity loads the persisted key, or generates an Ed25519 key and saves it
// when a key file is configured.
func (t *Transport) identity() (crypto.PrivKey, error) {
	if t.keyFile != "" {
		if data, err := os.ReadFile(t.keyFile); err == nil {
			priv, err := crypto.UnmarshalPrivateKey(data)
			if err == nil {
				return priv, nil
			}
			log.Warnf("p2p: corrupt identity key at %s, generating a new one: %v", t.keyFile, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	if t.keyFile == "" {
		return priv, nil
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("p2p: key directory: %w", err)
	}
	if err := os.WriteFile(t.keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("p2p: save identity key: %w", err)
	}
	log.Infof("p2p: generated identity key %s", t.keyFile)
	return priv, nil
}

func (t *Transport) connect(ctx context.Context, raw string) error {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultOpenTimeout)
	defer cancel()
	return t.host.Connect(cctx, *pi)
}

// Connect dials a peer by its full multiaddress (ending in /p2p/<id>).
func (t *Transport) Connect(ctx context.Context, addr string) error {
	return t.connect(ctx, addr)
}

// Addrs returns the dialable addresses of this host, each ending in
// /p2p/<id>, suitable as another peer's bootstrap entries.
func (t *Transport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// Peers returns the number of connected peers.
func (t *Transport) Peers() int { return len(t.host.Network().Peers()) }

// OpenChannel joins the channel's topic. Joining is local to the host so
// it does not wait for other peers.
func (t *Transport) OpenChannel(ctx context.Context, name string) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	e, ok := t.topics[name]
	if !ok {
		topic, err := t.ps.Join(t.prefix + name)
		if err != nil {
			return nil, fmt.Errorf("p2p: join %s: %w", name, err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			_ = topic.Close()
			return nil, fmt.Errorf("p2p: subscribe %s: %w", name, err)
		}
		rctx, cancel := context.WithCancel(t.ctx)
		e = &topicEntry{name: name, topic: topic, sub: sub, cancel: cancel}
		t.topics[name] = e
		go t.readLoop(rctx, e)
		log.Debugf("p2p [%s]: joined topic %s", t.selfID, t.prefix+name)
	}

	h := &handle{name: name, entry: e, inbox: transport.NewInbox()}
	e.handles = append(e.handles, h)
	return h, nil
}

// readLoop feeds one topic's messages to its handles in arrival order.
func (t *Transport) readLoop(ctx context.Context, e *topicEntry) {
	self := t.host.ID()
	for {
		msg, err := e.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warnf("p2p [%s]: malformed message on %s from %s: %v", t.selfID, e.name, msg.ReceivedFrom, err)
			continue
		}
		if env.From == t.selfID {
			continue
		}
		evt := transport.Event{Channel: e.name, Kind: env.Kind, From: env.From, Payload: env.Payload}

		t.mu.Lock()
		targets := append([]*handle(nil), e.handles...)
		t.mu.Unlock()
		for _, h := range targets {
			h.inbox.Push(evt)
		}
	}
}

// OnEvent registers fn for events on h.
func (t *Transport) OnEvent(th transport.Handle, match func(kind string) bool, fn func(transport.Event)) {
	if h, ok := th.(*handle); ok {
		h.inbox.Subscribe(match, fn)
	}
}

// Send publishes one event on the channel's topic.
func (t *Transport) Send(ctx context.Context, th transport.Handle, kind string, payload json.RawMessage) error {
	h, ok := th.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if !h.entry.has(h) || t.topics[h.name] != h.entry {
		t.mu.Unlock()
		return transport.ErrUnknownHandle
	}
	topic := h.entry.topic
	t.mu.Unlock()

	b, err := json.Marshal(envelope{Kind: kind, From: t.selfID, Payload: payload})
	if err != nil {
		return err
	}
	return topic.Publish(ctx, b)
}

func (e *topicEntry) has(h *handle) bool {
	for _, x := range e.handles {
		if x == h {
			return true
		}
	}
	return false
}

// CloseChannel releases h. The topic is left once its last handle is gone.
func (t *Transport) CloseChannel(th transport.Handle) error {
	h, ok := th.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	t.mu.Lock()
	e := h.entry
	for i, x := range e.handles {
		if x == h {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			break
		}
	}
	// The topic is closed under the lock so a concurrent OpenChannel
	// cannot try to join it while it is still registered with pubsub.
	if len(e.handles) == 0 && t.topics[e.name] == e {
		delete(t.topics, e.name)
		e.close()
		log.Debugf("p2p [%s]: left topic %s", t.selfID, t.prefix+e.name)
	}
	t.mu.Unlock()

	h.inbox.Stop()
	return nil
}

func (e *topicEntry) close() {
	e.cancel()
	e.sub.Cancel()
	if err := e.topic.Close(); err != nil {
		log.Debugf("p2p: close topic %s: %v", e.name, err)
	}
}

func (t *Transport) OnStatus(fn func(transport.Status)) {
	t.mu.Lock()
	t.statusFns = append(t.statusFns, fn)
	t.mu.Unlock()
}

// watchPeers turns peer connectivity into transport status. Losing the last
// peer invalidates every handle and reports Disconnected; the next peer
// reports Connected.
func (t *Transport) watchPeers(sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-t.ctx.Done():
			return
		case _, ok := <-sub.Out():
			if !ok {
				return
			}
			t.peersChanged()
		}
	}
}

func (t *Transport) peersChanged() {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	n := t.Peers()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	var (
		status  transport.Status
		notify  bool
		stale   []*topicEntry
		handles []*handle
	)
	switch {
	case n == 0 && t.online:
		t.online = false
		t.wentDown = true
		notify, status = true, transport.Disconnected
		for name, e := range t.topics {
			stale = append(stale, e)
			handles = append(handles, e.handles...)
			delete(t.topics, name)
			e.close()
		}
	case n > 0 && !t.online:
		t.online = true
		notify, status = t.wentDown, transport.Connected
	}
	fns := append([]func(transport.Status){}, t.statusFns...)
	t.mu.Unlock()

	for _, h := range handles {
		h.inbox.Stop()
	}
	if !notify {
		return
	}
	if status == transport.Disconnected {
		log.Warnf("p2p [%s]: no peers left, %d topics dropped", t.selfID, len(stale))
	} else {
		log.Infof("p2p [%s]: peers back (%d)", t.selfID, n)
	}
	for _, fn := range fns {
		fn(status)
	}
}

// Close leaves every topic and shuts the host down. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := make([]*topicEntry, 0, len(t.topics))
	var handles []*handle
	for _, e := range t.topics {
		entries = append(entries, e)
		handles = append(handles, e.handles...)
	}
	t.topics = make(map[string]*topicEntry)
	t.mu.Unlock()

	for _, h := range handles {
		h.inbox.Stop()
	}
	for _, e := range entries {
		e.close()
	}
	if t.mdns != nil {
		_ = t.mdns.Close()
	}
	t.cancel()
	return t.host.Close()
}
