// Package presence tracks who is online. Remote records arrive on the
// presence channel; the local session announces itself on a heartbeat while
// foregrounded. Staleness is decided at query time, nothing is evicted.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
)

var log = logging.Logger("chathub/presence")

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultFreshness = 5 * time.Minute
)

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Busy    Status = "busy"
	Offline Status = "offline"
)

// ParseStatus validates a wire status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case Online, Away, Busy, Offline:
		return st, nil
	}
	return "", fmt.Errorf("presence: unknown status %q", s)
}

// Record is the last known presence of one user.
type Record struct {
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	OnlineAt    time.Time `json:"online_at"`
	Activity    string    `json:"activity,omitempty"`
	Device      string    `json:"device,omitempty"`
}

// Event is sent to change-feed subscribers.
type Event struct {
	Type   string  `json:"type"` // update|remove
	UserID string  `json:"user_id"`
	Record *Record `json:"record,omitempty"`
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(c clock.Clock) Option        { return func(t *Tracker) { t.clk = c } }
func WithChannel(name string) Option        { return func(t *Tracker) { t.channel = name } }
func WithDevice(device string) Option       { return func(t *Tracker) { t.device = device } }
func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }
func WithHeartbeat(d time.Duration) Option  { return func(t *Tracker) { t.heartbeat = d } }
func WithFreshness(d time.Duration) Option  { return func(t *Tracker) { t.freshness = d } }

type Tracker struct {
	reg       *realtime.Registry
	clk       clock.Clock
	selfID    string
	device    string
	channel   string
	heartbeat time.Duration
	freshness time.Duration
	metrics   *metrics.Metrics

	mu         sync.Mutex
	records    map[string]Record
	listeners  []chan Event
	status     Status
	activity   string
	foreground bool
	beatStop   chan struct{}
	subs       []*realtime.Subscription
	running    bool
}

// New creates a tracker for the local user selfID.
func New(reg *realtime.Registry, selfID string, opts ...Option) *Tracker {
	t := &Tracker{
		reg:       reg,
		clk:       clock.New(),
		selfID:    selfID,
		channel:   proto.ChannelPresence,
		heartbeat: DefaultHeartbeat,
		freshness: DefaultFreshness,
		records:   make(map[string]Record),
		status:    Online,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start joins the presence channel, announces the local status and starts
// the heartbeat.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.foreground = true
	t.mu.Unlock()

	upd, err := t.reg.Subscribe(ctx, t.channel, proto.KindPresence, t.handlePresence)
	if err != nil {
		return fmt.Errorf("presence: subscribe: %w", err)
	}
	leave, err := t.reg.Subscribe(ctx, t.channel, proto.KindLeave, t.handleLeave)
	if err != nil {
		upd.Unsubscribe()
		return fmt.Errorf("presence: subscribe leave: %w", err)
	}

	t.mu.Lock()
	t.subs = []*realtime.Subscription{upd, leave}
	status, activity := t.status, t.activity
	t.startHeartbeatLocked()
	t.mu.Unlock()

	t.Announce(ctx, status, activity)
	return nil
}

// Announce sets the local status and broadcasts it. The next heartbeat
// re-announces the same status.
func (t *Tracker) Announce(ctx context.Context, status Status, activity string) bool {
	if _, err := ParseStatus(string(status)); err != nil {
		log.Warnf("presence: %v", err)
		return false
	}
	t.mu.Lock()
	t.status = status
	t.activity = activity
	t.mu.Unlock()
	return t.broadcast(ctx, status, activity)
}

// SetForeground follows visibility transitions: foreground announces online
// and resumes the heartbeat, background announces away and pauses it.
func (t *Tracker) SetForeground(ctx context.Context, fg bool) {
	t.mu.Lock()
	if t.foreground == fg {
		t.mu.Unlock()
		return
	}
	t.foreground = fg
	activity := t.activity
	if fg && t.running {
		t.startHeartbeatLocked()
	} else {
		t.stopHeartbeatLocked()
	}
	t.mu.Unlock()

	if fg {
		t.Announce(ctx, Online, activity)
	} else {
		t.Announce(ctx, Away, activity)
	}
}

// LocalStatus returns the status the heartbeat currently announces.
func (t *Tracker) LocalStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsOnline reports whether userID has a fresh record that is not offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	rec, ok := t.records[userID]
	t.mu.Unlock()
	return ok && t.fresh(rec)
}

func (t *Tracker) fresh(rec Record) bool {
	return rec.Status != Offline && t.clk.Since(rec.LastUpdated) < t.freshness
}

// Get returns the raw record for userID, stale or not.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// Online returns the sorted ids of every user IsOnline reports true for.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.records))
	for id, rec := range t.records {
		if t.fresh(rec) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot copies every record.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		cp[k] = v
	}
	return cp
}

// Subscribe returns a change feed. Slow readers miss events.
func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Stop announces offline (best effort) and then leaves the presence channel.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.stopHeartbeatLocked()
	activity := t.activity
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	if !t.Announce(ctx, Offline, activity) {
		log.Debugf("presence: offline announce not delivered")
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (t *Tracker) broadcast(ctx context.Context, status Status, activity string) bool {
	now := t.clk.Now()
	t.upsert(Record{
		UserID:      t.selfID,
		Status:      status,
		LastUpdated: now,
		OnlineAt:    now,
		Activity:    activity,
		Device:      t.device,
	})
	return t.reg.Broadcast(ctx, t.channel, proto.KindPresence, proto.PresencePayload{
		UserID:   t.selfID,
		OnlineAt: proto.FormatTime(now),
		Status:   string(status),
		Activity: activity,
		Device:   t.device,
	})
}

// beat is one heartbeat tick: re-announce the current status.
func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	status, activity, fg := t.status, t.activity, t.foreground
	t.mu.Unlock()
	if !fg {
		return
	}
	t.broadcast(ctx, status, activity)
}

func (t *Tracker) startHeartbeatLocked() {
	if t.beatStop != nil {
		return
	}
	stop := make(chan struct{})
	t.beatStop = stop
	ticker := t.clk.Ticker(t.heartbeat)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.beat(context.Background())
			}
		}
	}()
}

func (t *Tracker) stopHeartbeatLocked() {
	if t.beatStop != nil {
		close(t.beatStop)
		t.beatStop = nil
	}
}

func (t *Tracker) handlePresence(evt realtime.Event) error {
	var p proto.PresencePayload
	if err := realtime.Decode(evt, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return fmt.Errorf("presence: payload without user_id")
	}
	if p.UserID == t.selfID {
		return nil
	}
	status, err := ParseStatus(p.Status)
	if err != nil {
		return err
	}
	t.upsert(Record{
		UserID:      p.UserID,
		Status:      status,
		LastUpdated: t.clk.Now(),
		OnlineAt:    proto.ParseTime(p.OnlineAt),
		Activity:    p.Activity,
		Device:      p.Device,
	})
	return nil
}

func (t *Tracker) handleLeave(evt realtime.Event) error {
	var p proto.LeavePayload
	if err := realtime.Decode(evt, &p); err != nil {
		return err
	}
	if p.UserID == "" || p.UserID == t.selfID {
		return nil
	}
	t.remove(p.UserID)
	return nil
}

func (t *Tracker) upsert(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.UserID] = rec
	t.metrics.SetPresenceRecords(len(t.records))
	t.notifyListeners(Event{Type: "update", UserID: rec.UserID, Record: &rec})
}

func (t *Tracker) remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[userID]; !ok {
		return
	}
	delete(t.records, userID)
	t.metrics.SetPresenceRecords(len(t.records))
	t.notifyListeners(Event{Type: "remove", UserID: userID})
}

func (t *Tracker) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
