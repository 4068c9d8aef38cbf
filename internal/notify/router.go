// Package notify turns notification events addressed to the local user into
// a bounded, acknowledgeable history and drives toast/native display by
// priority.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/util"
)

var log = logging.Logger("chathub/notify")

const (
	DefaultCapacity      = 50
	DefaultSweepInterval = time.Minute
)

type Priority string

const (
	Low    Priority = "low"
	Normal Priority = "normal"
	High   Priority = "high"
	Urgent Priority = "urgent"
)

func validPriority(p Priority) bool {
	switch p {
	case Low, Normal, High, Urgent:
		return true
	}
	return false
}

// Notification types the router knows how to classify. Anything else is
// stored as TypeGeneric.
const (
	TypeMessage        = "message"
	TypeMention        = "mention"
	TypeCall           = "call"
	TypeContactRequest = "contact_request"
	TypeSystem         = "system"
	TypeGeneric        = "generic"
)

type class struct {
	priority Priority
	title    string
}

var classes = map[string]class{
	TypeMessage:        {Normal, "New message"},
	TypeMention:        {High, "You were mentioned"},
	TypeCall:           {Urgent, "Incoming call"},
	TypeContactRequest: {Normal, "New contact request"},
	TypeSystem:         {Low, "System notice"},
	TypeGeneric:        {Normal, "Notification"},
}

type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Priority  Priority       `json:"priority"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Display renders notifications. Toast is in-app; Native is the operating
// system notification center.
type Display interface {
	Toast(n Notification)
	Native(n Notification) error
}

// Permissions asks the platform for permission to show native
// notifications.
type Permissions interface {
	RequestNative(ctx context.Context) (bool, error)
}

type permState int

const (
	permUnknown permState = iota
	permGranted
	permDenied
)

type Option func(*Router)

func WithClock(c clock.Clock) Option        { return func(r *Router) { r.clk = c } }
func WithDisplay(d Display) Option          { return func(r *Router) { r.display = d } }
func WithPermissions(p Permissions) Option  { return func(r *Router) { r.perms = p } }
func WithNative(enabled bool) Option        { return func(r *Router) { r.native = enabled } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithChannel(name string) Option        { return func(r *Router) { r.channel = name } }

func WithCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithMaxAge drops notifications older than d on each sweep. Zero keeps
// everything until the capacity pushes it out.
func WithMaxAge(d time.Duration) Option { return func(r *Router) { r.maxAge = d } }

func WithSweepInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.sweepEvery = d
		}
	}
}

type Router struct {
	reg        *realtime.Registry
	clk        clock.Clock
	selfID     string
	channel    string
	capacity   int
	maxAge     time.Duration
	sweepEvery time.Duration
	native     bool
	display    Display
	perms      Permissions
	metrics    *metrics.Metrics

	mu        sync.Mutex
	history   *util.RingBuffer[*Notification]
	perm      permState
	observers []func(Notification)
	sub       *realtime.Subscription
	sweepStop chan struct{}
}

// New creates a router for notifications addressed to selfID.
func New(reg *realtime.Registry, selfID string, opts ...Option) *Router {
	r := &Router{
		reg:        reg,
		clk:        clock.New(),
		selfID:     selfID,
		channel:    proto.NotificationChannel(selfID),
		capacity:   DefaultCapacity,
		sweepEvery: DefaultSweepInterval,
	}
	for _, o := range opts {
		o(r)
	}
	r.history = util.NewRingBuffer[*Notification](r.capacity)
	return r
}

// Start subscribes to the user's notification channel and starts the
// retention sweep.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sub != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	sub, err := r.reg.Subscribe(ctx, r.channel, proto.KindNotification, func(evt realtime.Event) error {
		var p proto.NotificationPayload
		if err := realtime.Decode(evt, &p); err != nil {
			return err
		}
		r.Route(ctx, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	if r.maxAge > 0 && r.sweepStop == nil {
		stop := make(chan struct{})
		r.sweepStop = stop
		go r.sweepLoop(r.clk.Ticker(r.sweepEvery), stop)
	}
	r.mu.Unlock()
	return nil
}

// Stop leaves the channel and stops the sweep. Idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	if r.sweepStop != nil {
		close(r.sweepStop)
		r.sweepStop = nil
	}
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// OnNotification registers fn for every routed notification.
func (r *Router) OnNotification(fn func(Notification)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Route classifies p and stores it. It returns nil when p is not addressed
// to the local user, has no type, or repeats an id already in the history.
func (r *Router) Route(ctx context.Context, p proto.NotificationPayload) *Notification {
	if p.UserID != r.selfID {
		log.Debugf("notify: dropped %q addressed to %s", p.Type, p.UserID)
		return nil
	}
	if p.Type == "" {
		log.Warnf("notify: dropped notification without type")
		return nil
	}

	typ := p.Type
	cl, known := classes[typ]
	if !known {
		typ = TypeGeneric
		cl = classes[TypeGeneric]
	}
	n := &Notification{
		ID:        p.ID,
		UserID:    p.UserID,
		Type:      typ,
		Title:     p.Title,
		Body:      p.Body,
		Priority:  Priority(p.Priority),
		CreatedAt: proto.ParseTime(p.CreatedAt),
		Data:      p.Data,
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Title == "" {
		n.Title = cl.title
	}
	if !validPriority(n.Priority) {
		n.Priority = cl.priority
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.clk.Now()
	}

	r.mu.Lock()
	if _, dup := r.history.Find(func(x *Notification) bool { return x.ID == n.ID }); dup {
		r.mu.Unlock()
		log.Debugf("notify: duplicate %s ignored", n.ID)
		return nil
	}
	if old, evicted := r.history.Push(n); evicted {
		log.Debugf("notify: history full, dropped %s", old.ID)
	}
	out := *n
	observers := append([]func(Notification){}, r.observers...)
	r.mu.Unlock()

	r.metrics.NotificationRouted(string(out.Priority))
	log.Debugf("notify [%s]: %s %q (%s)", out.ID, out.Type, out.Title, out.Priority)
	r.show(ctx, out)
	for _, fn := range observers {
		fn(out)
	}
	return &out
}

// show applies the display policy: high gets a toast, urgent a toast plus a
// native notification when enabled and permitted.
func (r *Router) show(ctx context.Context, n Notification) {
	if r.display == nil {
		return
	}
	switch n.Priority {
	case High:
		r.display.Toast(n)
	case Urgent:
		r.display.Toast(n)
		if r.native && r.nativeAllowed(ctx) {
			if err := r.display.Native(n); err != nil {
				log.Warnf("notify [%s]: native display: %v", n.ID, err)
			}
		}
	}
}

// nativeAllowed asks for permission the first time and caches the answer.
func (r *Router) nativeAllowed(ctx context.Context) bool {
	r.mu.Lock()
	state := r.perm
	r.mu.Unlock()
	if state != permUnknown {
		return state == permGranted
	}
	if r.perms == nil {
		return false
	}

	ok, err := r.perms.RequestNative(ctx)
	if err != nil {
		log.Warnf("notify: native permission request: %v", err)
		ok = false
	}
	r.mu.Lock()
	if r.perm == permUnknown {
		if ok {
			r.perm = permGranted
		} else {
			r.perm = permDenied
		}
	}
	granted := r.perm == permGranted
	r.mu.Unlock()
	return granted
}

// Acknowledge marks id read. Only the first call for an id returns true.
func (r *Router) Acknowledge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.history.Find(func(x *Notification) bool { return x.ID == id })
	if !ok || n.Read {
		return false
	}
	n.Read = true
	return true
}

// AcknowledgeAll marks everything read and returns how many changed.
func (r *Router) AcknowledgeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, n := range r.history.Snapshot() {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed
}

// List returns the history, oldest first.
func (r *Router) List() []Notification {
	return r.collect(func(*Notification) bool { return true })
}

// Unread returns unread notifications, oldest first.
func (r *Router) Unread() []Notification {
	return r.collect(func(n *Notification) bool { return !n.Read })
}

func (r *Router) UnreadCount() int {
	return len(r.Unread())
}

func (r *Router) collect(keep func(*Notification) bool) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.history.Snapshot()
	out := make([]Notification, 0, len(all))
	for _, n := range all {
		if keep(n) {
			out = append(out, *n)
		}
	}
	return out
}

// Sweep drops entries older than the configured max age.
func (r *Router) Sweep() int {
	if r.maxAge <= 0 {
		return 0
	}
	cutoff := r.clk.Now().Add(-r.maxAge)
	r.mu.Lock()
	n := r.history.RemoveIf(func(x *Notification) bool { return x.CreatedAt.Before(cutoff) })
	r.mu.Unlock()
	if n > 0 {
		log.Debugf("notify: retention dropped %d", n)
	}
	return n
}

func (r *Router) sweepLoop(ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
