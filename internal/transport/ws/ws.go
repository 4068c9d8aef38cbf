// Package ws is the WebSocket client transport. It speaks the relay's frame
// protocol (join/leave acked by ref, events fanned out per channel) over one
// gorilla/websocket connection and redials with exponential backoff when the
// connection drops.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/transport/ws")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

type Option func(*Transport)

// WithReconnect sets the redial backoff bounds.
func WithReconnect(min, max time.Duration) Option {
	return func(t *Transport) {
		if min > 0 {
			t.minBackoff = min
		}
		if max >= t.minBackoff {
			t.maxBackoff = max
		}
	}
}

func WithClock(c clock.Clock) Option        { return func(t *Transport) { t.clk = c } }
func WithDialer(d *websocket.Dialer) Option { return func(t *Transport) { t.dialer = d } }
func WithPingPeriod(d time.Duration) Option { return func(t *Transport) { t.pingEvery = d } }

// Transport is a client connection to a relay.
type Transport struct {
	url        string
	selfID     string
	dialer     *websocket.Dialer
	clk        clock.Clock
	minBackoff time.Duration
	maxBackoff time.Duration
	pingEvery  time.Duration

	// statusMu orders status callbacks: a drop is reported only after the
	// Connected callbacks of the same connection have returned.
	statusMu sync.Mutex

	mu        sync.Mutex
	cur       *conn
	closed    bool
	handles   map[*handle]struct{}
	pending   map[string]*pendingJoin
	statusFns []func(transport.Status)
	stop      chan struct{}
}

type conn struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

type pendingJoin struct {
	name  string
	conn  *conn
	reply chan joinResult
}

type joinResult struct {
	h   *handle
	err error
}

// handle is one joined channel on one connection.
type handle struct {
	name  string
	conn  *conn
	inbox *transport.Inbox
}

func (h *handle) Name() string { return h.name }

// Dial connects to the relay at rawURL as selfID.
func Dial(ctx context.Context, rawURL, selfID string, opts ...Option) (*Transport, error) {
	t := &Transport{
		url:        rawURL,
		selfID:     selfID,
		dialer:     websocket.DefaultDialer,
		clk:        clock.New(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		pingEvery:  pingPeriod,
		handles:    make(map[*handle]struct{}),
		pending:    make(map[string]*pendingJoin),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	c, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.attach(c)
	log.Infof("ws [%s]: connected to %s", selfID, rawURL)
	return t, nil
}

func (t *Transport) dial(ctx context.Context) (*conn, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("ws: relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", t.selfID)
	u.RawQuery = q.Encode()

	wsConn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", t.url, err)
	}
	return &conn{ws: wsConn, out: make(chan []byte, sendBuffer), done: make(chan struct{})}, nil
}

// attach makes c the current connection and starts its pumps.
func (t *Transport) attach(c *conn) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.close()
		return false
	}
	t.cur = c
	t.mu.Unlock()
	go t.writePump(c)
	go t.readPump(c)
	return true
}

func (t *Transport) readPump(c *conn) {
	defer t.dropped(c)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("ws [%s]: read: %v", t.selfID, err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("ws [%s]: malformed frame dropped: %v", t.selfID, err)
			continue
		}
		t.handleFrame(c, f)
	}
}

func (t *Transport) writePump(c *conn) {
	ticker := time.NewTicker(t.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debugf("ws [%s]: write: %v", t.selfID, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (t *Transport) handleFrame(c *conn, f Frame) {
	switch f.Type {
	case FrameAck, FrameError:
		t.mu.Lock()
		p, ok := t.pending[f.Ref]
		delete(t.pending, f.Ref)
		var res joinResult
		if ok {
			if f.Type == FrameError {
				res.err = fmt.Errorf("ws: join %s: %s", p.name, f.Error)
			} else {
				// Registered before the next frame is read so no event
				// after the ack can miss it.
				res.h = &handle{name: p.name, conn: c, inbox: transport.NewInbox()}
				t.handles[res.h] = struct{}{}
			}
		}
		t.mu.Unlock()
		switch {
		case ok:
			p.reply <- res
		case f.Type == FrameError:
			log.Warnf("ws [%s]: relay error: %s", t.selfID, f.Error)
		}

	case FrameEvent:
		evt := transport.Event{Channel: f.Channel, Kind: f.Kind, From: f.From, Payload: f.Payload}
		t.mu.Lock()
		var targets []*handle
		for h := range t.handles {
			if h.name == f.Channel && h.conn == c {
				targets = append(targets, h)
			}
		}
		t.mu.Unlock()
		for _, h := range targets {
			h.inbox.Push(evt)
		}

	default:
		log.Debugf("ws [%s]: unknown frame type %q", t.selfID, f.Type)
	}
}

func (t *Transport) write(ctx context.Context, c *conn, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenChannel joins name and waits for the relay's ack.
func (t *Transport) OpenChannel(ctx context.Context, name string) (transport.Handle, error) {
	ref := uuid.NewString()
	p := &pendingJoin{name: name, reply: make(chan joinResult, 1)}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return nil, transport.ErrClosed
	case t.cur == nil:
		t.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	p.conn = t.cur
	t.pending[ref] = p
	t.mu.Unlock()

	if err := t.write(ctx, p.conn, Frame{Type: FrameJoin, Ref: ref, Channel: name}); err != nil {
		t.abandon(ref, p)
		return nil, err
	}

	select {
	case res := <-p.reply:
		if res.err != nil {
			return nil, res.err
		}
		log.Debugf("ws [%s]: joined %s", t.selfID, name)
		return res.h, nil
	case <-p.conn.done:
		t.abandon(ref, p)
		return nil, transport.ErrNotConnected
	case <-ctx.Done():
		t.abandon(ref, p)
		return nil, ctx.Err()
	}
}

// abandon forgets a join the caller gave up on. If the ack already arrived
// the joined handle is closed again.
func (t *Transport) abandon(ref string, p *pendingJoin) {
	t.mu.Lock()
	delete(t.pending, ref)
	t.mu.Unlock()
	select {
	case res := <-p.reply:
		if res.h != nil {
			t.CloseChannel(res.h)
		}
	default:
	}
}

// OnEvent registers fn for events on h.
func (t *Transport) OnEvent(th transport.Handle, match func(kind string) bool, fn func(transport.Event)) {
	if h, ok := th.(*handle); ok {
		h.inbox.Subscribe(match, fn)
	}
}

// Send publishes one event on an open channel.
func (t *Transport) Send(ctx context.Context, th transport.Handle, kind string, payload json.RawMessage) error {
	h, err := t.lookup(th)
	if err != nil {
		return err
	}
	return t.write(ctx, h.conn, Frame{Type: FrameEvent, Channel: h.name, Kind: kind, Payload: payload})
}

// CloseChannel leaves the channel. The relay is told once the last handle for
// the channel on this connection is closed.
func (t *Transport) CloseChannel(th transport.Handle) error {
	h, ok := th.(*handle)
	if !ok {
		return transport.ErrUnknownHandle
	}
	t.mu.Lock()
	_, known := t.handles[h]
	delete(t.handles, h)
	last := known && t.cur == h.conn
	if last {
		for other := range t.handles {
			if other.name == h.name && other.conn == h.conn {
				last = false
				break
			}
		}
	}
	t.mu.Unlock()
	h.inbox.Stop()
	if !last {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := t.write(ctx, h.conn, Frame{Type: FrameLeave, Ref: uuid.NewString(), Channel: h.name}); err != nil {
		log.Debugf("ws [%s]: leave %s: %v", t.selfID, h.name, err)
	}
	return nil
}

// OnStatus registers a connection state callback.
func (t *Transport) OnStatus(fn func(transport.Status)) {
	t.mu.Lock()
	t.statusFns = append(t.statusFns, fn)
	t.mu.Unlock()
}

func (t *Transport) lookup(th transport.Handle) (*handle, error) {
	h, ok := th.(*handle)
	if !ok {
		return nil, transport.ErrUnknownHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return nil, transport.ErrClosed
	case t.cur == nil:
		return nil, transport.ErrNotConnected
	}
	if _, ok := t.handles[h]; !ok || h.conn != t.cur {
		return nil, transport.ErrUnknownHandle
	}
	return h, nil
}

// dropped runs when the read pump of c exits: every handle of c becomes
// invalid, Disconnected is reported and a redial starts.
func (t *Transport) dropped(c *conn) {
	c.close()

	t.mu.Lock()
	if t.cur != c {
		t.mu.Unlock()
		return
	}
	t.cur = nil
	var stale []*handle
	for h := range t.handles {
		if h.conn == c {
			stale = append(stale, h)
			delete(t.handles, h)
		}
	}
	for ref, p := range t.pending {
		if p.conn == c {
			delete(t.pending, ref)
		}
	}
	closed := t.closed
	fns := append([]func(transport.Status){}, t.statusFns...)
	t.mu.Unlock()

	for _, h := range stale {
		h.inbox.Stop()
	}
	if closed {
		return
	}
	log.Warnf("ws [%s]: connection lost, %d channels dropped", t.selfID, len(stale))
	t.statusMu.Lock()
	for _, fn := range fns {
		fn(transport.Disconnected)
	}
	t.statusMu.Unlock()
	go t.redial()
}

func (t *Transport) redial() {
	backoff := t.minBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-t.stop:
			return
		case <-t.clk.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultOpenTimeout)
		c, err := t.dial(ctx)
		cancel()
		if err != nil {
			log.Debugf("ws [%s]: redial attempt %d: %v", t.selfID, attempt, err)
			backoff *= 2
			if backoff > t.maxBackoff {
				backoff = t.maxBackoff
			}
			continue
		}

		t.statusMu.Lock()
		if !t.attach(c) {
			t.statusMu.Unlock()
			return
		}
		log.Infof("ws [%s]: reconnected after %d attempts", t.selfID, attempt)
		t.mu.Lock()
		fns := append([]func(transport.Status){}, t.statusFns...)
		t.mu.Unlock()
		for _, fn := range fns {
			fn(transport.Connected)
		}
		t.statusMu.Unlock()
		return
	}
}

// Close disconnects and stops redialing. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	c := t.cur
	t.mu.Unlock()

	if c != nil {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.close()
	}
	return nil
}
