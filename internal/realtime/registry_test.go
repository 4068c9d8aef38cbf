package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/transport/memory"
)

// fakeTransport delivers injected events synchronously so dispatch order can
// be asserted without goroutines.
type fakeTransport struct {
	mu       sync.Mutex
	open     map[*fakeHandle]bool
	opens    int
	sent     []transport.Event
	failOpen error
	status   []func(transport.Status)
}

type fakeHandle struct {
	name string
	fns  []func(transport.Event)
}

func (h *fakeHandle) Name() string { return h.name }

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: make(map[*fakeHandle]bool)}
}

func (f *fakeTransport) OpenChannel(_ context.Context, name string) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen != nil {
		return nil, f.failOpen
	}
	h := &fakeHandle{name: name}
	f.open[h] = true
	f.opens++
	return h, nil
}

func (f *fakeTransport) OnEvent(h transport.Handle, _ func(string) bool, fn func(transport.Event)) {
	fh := h.(*fakeHandle)
	fh.fns = append(fh.fns, fn)
}

func (f *fakeTransport) Send(_ context.Context, h transport.Handle, kind string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[h.(*fakeHandle)] {
		return transport.ErrUnknownHandle
	}
	f.sent = append(f.sent, transport.Event{Channel: h.Name(), Kind: kind, Payload: payload})
	return nil
}

func (f *fakeTransport) CloseChannel(h transport.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, h.(*fakeHandle))
	return nil
}

func (f *fakeTransport) OnStatus(fn func(transport.Status)) { f.status = append(f.status, fn) }
func (f *fakeTransport) Close() error                        { return nil }

func (f *fakeTransport) openCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for h := range f.open {
		if h.name == name {
			n++
		}
	}
	return n
}

// inject delivers an event on every open handle for channel.
func (f *fakeTransport) inject(channel, kind string) {
	f.mu.Lock()
	var hs []*fakeHandle
	for h := range f.open {
		if h.name == channel {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		for _, fn := range h.fns {
			fn(transport.Event{Channel: channel, Kind: kind, Payload: json.RawMessage(`{}`)})
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestChannelOpenIffListeners(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	r := New(tr)
	rng := rand.New(rand.NewSource(7))

	channels := []string{"a", "b", "c"}
	live := map[string][]*Subscription{}

	for step := 0; step < 500; step++ {
		ch := channels[rng.Intn(len(channels))]
		if rng.Intn(2) == 0 || len(live[ch]) == 0 {
			sub, err := r.Subscribe(ctx, ch, "k", func(Event) error { return nil })
			if err != nil {
				t.Fatal(err)
			}
			live[ch] = append(live[ch], sub)
		} else {
			i := rng.Intn(len(live[ch]))
			sub := live[ch][i]
			live[ch] = append(live[ch][:i], live[ch][i+1:]...)
			sub.Unsubscribe()
			sub.Unsubscribe() // idempotent
		}

		for _, name := range channels {
			want := len(live[name]) > 0
			if got := r.State(name) == StateOpen; got != want {
				t.Fatalf("step %d: channel %s open=%v with %d listeners", step, name, got, len(live[name]))
			}
			if r.Count(name) != len(live[name]) {
				t.Fatalf("step %d: count %d, want %d", step, r.Count(name), len(live[name]))
			}
			if n := tr.openCount(name); (n == 1) != want || n > 1 {
				t.Fatalf("step %d: transport has %d handles for %s", step, n, name)
			}
		}
	}
}

func TestDispatchOrderExactlyOnce(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport()
	r := New(tr)

	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		if _, err := r.Subscribe(ctx, "room", "msg", func(Event) error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Subscribe(ctx, "room", "other", func(Event) error {
		got = append(got, 99)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if tr.opens != 1 {
		t.Fatalf("channel opened %d times, want 1 (shared)", tr.opens)
	}

	tr.inject("room", "msg")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("delivery = %v, want [1 2 3]", got)
	}
}

func TestWildcardKind(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)
	var kinds []string
	_, _ = r.Subscribe(context.Background(), "room", "*", func(e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	tr.inject("room", "a")
	tr.inject("room", "b")
	if len(kinds) != 2 || kinds[0] != "a" || kinds[1] != "b" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestListenerFailureIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tr := newFakeTransport()
	r := New(tr, WithMetrics(m))
	ctx := context.Background()

	reached := false
	_, _ = r.Subscribe(ctx, "room", "msg", func(Event) error { panic("boom") })
	_, _ = r.Subscribe(ctx, "room", "msg", func(Event) error { return errors.New("bad") })
	_, _ = r.Subscribe(ctx, "room", "msg", func(Event) error {
		reached = true
		return nil
	})

	tr.inject("room", "msg")
	if !reached {
		t.Fatal("third listener not reached after earlier failures")
	}
	if got := testutil.ToFloat64(m.ListenerFailures.WithLabelValues("msg")); got != 2 {
		t.Fatalf("listener failures = %v, want 2", got)
	}
	if r.State("room") != StateOpen {
		t.Fatal("channel health affected by listener failure")
	}
}

func TestUnsubscribeTakesEffectBeforeNextDelivery(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)
	ctx := context.Background()

	var second *Subscription
	secondCalls := 0
	_, _ = r.Subscribe(ctx, "room", "msg", func(Event) error {
		second.Unsubscribe()
		return nil
	})
	second, _ = r.Subscribe(ctx, "room", "msg", func(Event) error {
		secondCalls++
		return nil
	})

	tr.inject("room", "msg")
	if secondCalls != 0 {
		t.Fatalf("removed listener received %d events", secondCalls)
	}
}

func TestEventsAfterCloseAreDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tr := newFakeTransport()
	r := New(tr, WithMetrics(m))

	calls := 0
	sub, _ := r.Subscribe(context.Background(), "room", "msg", func(Event) error {
		calls++
		return nil
	})
	var stale *fakeHandle
	for h := range tr.open {
		stale = h
	}
	sub.Unsubscribe()

	for _, fn := range stale.fns {
		fn(transport.Event{Channel: "room", Kind: "msg"})
	}
	if calls != 0 {
		t.Fatalf("listener called %d times after close", calls)
	}
	if got := testutil.ToFloat64(m.EventsDiscarded.WithLabelValues("no_listeners")); got != 1 {
		t.Fatalf("discarded = %v", got)
	}
}

func TestBroadcastNeverCreatesChannel(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)
	ctx := context.Background()

	if r.Broadcast(ctx, "nowhere", "msg", map[string]string{"a": "b"}) {
		t.Fatal("broadcast on missing channel reported success")
	}
	if tr.opens != 0 || r.State("nowhere") != StateClosed {
		t.Fatal("broadcast created a channel")
	}

	_, _ = r.Subscribe(ctx, "room", "msg", ListenerFunc(func(Event) {}))
	if !r.Broadcast(ctx, "room", "msg", map[string]string{"a": "b"}) {
		t.Fatal("broadcast on open channel failed")
	}
	if len(tr.sent) != 1 || string(tr.sent[0].Payload) != `{"a":"b"}` {
		t.Fatalf("sent = %+v", tr.sent)
	}
	if r.Broadcast(ctx, "room", "msg", []byte("not json")) {
		t.Fatal("invalid raw payload accepted")
	}
}

func TestInvalidSubscription(t *testing.T) {
	r := New(newFakeTransport())
	ctx := context.Background()
	noop := ListenerFunc(func(Event) {})

	cases := []struct {
		name, channel, kind string
		fn                  Listener
	}{
		{"empty channel", "", "k", noop},
		{"blank kind", "c", "  ", noop},
		{"spaced channel", "a b", "k", noop},
		{"nil listener", "c", "k", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Subscribe(ctx, tc.channel, tc.kind, tc.fn); !errors.Is(err, ErrInvalidSubscription) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestShutdownIdempotent(t *testing.T) {
	tr := newFakeTransport()
	r := New(tr)
	ctx := context.Background()
	sub, _ := r.Subscribe(ctx, "a", "k", ListenerFunc(func(Event) {}))
	_, _ = r.Subscribe(ctx, "b", "k", ListenerFunc(func(Event) {}))

	r.Shutdown()
	r.Shutdown()

	if tr.openCount("a")+tr.openCount("b") != 0 {
		t.Fatal("channels left open after shutdown")
	}
	if sub.Active() {
		t.Fatal("registration still active after shutdown")
	}
	sub.Unsubscribe()
	if _, err := r.Subscribe(ctx, "a", "k", ListenerFunc(func(Event) {})); !errors.Is(err, ErrShutdown) {
		t.Fatalf("subscribe after shutdown: %v", err)
	}
	if len(r.Channels()) != 0 {
		t.Fatal("channels listed after shutdown")
	}
}

func TestOpenFailureKeepsRegistrationPending(t *testing.T) {
	tr := newFakeTransport()
	tr.failOpen = errors.New("unreachable")
	r := New(tr)

	sub, err := r.Subscribe(context.Background(), "room", "msg", ListenerFunc(func(Event) {}))
	if err != nil {
		t.Fatalf("transport failure surfaced as error: %v", err)
	}
	if !sub.Active() || r.State("room") != StatePending {
		t.Fatalf("state = %v, active = %v", r.State("room"), sub.Active())
	}

	tr.failOpen = nil
	for _, fn := range tr.status {
		fn(transport.Disconnected)
	}
	for _, fn := range tr.status {
		fn(transport.Connected)
	}
	if r.State("room") != StateOpen {
		t.Fatalf("state after reconnect = %v", r.State("room"))
	}
}

func TestReconnectReopensChannels(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	local := memory.New(broker, "me")
	remote := memory.New(broker, "them")
	r := New(local)

	var mu sync.Mutex
	var got []string
	_, err := r.Subscribe(ctx, "room", "msg", func(e Event) error {
		mu.Lock()
		got = append(got, string(e.Payload))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	rh, _ := remote.OpenChannel(ctx, "room")
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	_ = remote.Send(ctx, rh, "msg", json.RawMessage(`1`))
	waitFor(t, func() bool { return count() == 1 })

	local.Disconnect()
	if r.State("room") != StatePending || r.Count("room") != 1 {
		t.Fatalf("after drop: state %v count %d", r.State("room"), r.Count("room"))
	}
	if r.Broadcast(ctx, "room", "msg", 1) {
		t.Fatal("broadcast succeeded while disconnected")
	}

	local.Reconnect()
	if r.State("room") != StateOpen {
		t.Fatalf("after reconnect: %v", r.State("room"))
	}
	_ = remote.Send(ctx, rh, "msg", json.RawMessage(`2`))
	waitFor(t, func() bool { return count() == 2 })
	if broker.Members("room") != 2 {
		t.Fatalf("broker members = %d", broker.Members("room"))
	}
}

// lateAttach has a peer publish right after each join and is slow to attach
// listeners, so events sit in the inbox while the registry installs the
// handle.
type lateAttach struct {
	*memory.Transport
	peer   *memory.Transport
	peerH  transport.Handle
	detach time.Duration
}

func (l *lateAttach) OpenChannel(ctx context.Context, name string) (transport.Handle, error) {
	h, err := l.Transport.OpenChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = l.peer.Send(ctx, l.peerH, "msg", json.RawMessage(`"early"`))
	return h, nil
}

func (l *lateAttach) OnEvent(h transport.Handle, match func(string) bool, fn func(transport.Event)) {
	l.Transport.OnEvent(h, match, fn)
	time.Sleep(l.detach)
}

func TestEventsAfterJoinAckDelivered(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	peer := memory.New(broker, "them")
	ph, err := peer.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	tr := &lateAttach{Transport: memory.New(broker, "me"), peer: peer, peerH: ph, detach: 50 * time.Millisecond}
	r := New(tr)

	var mu sync.Mutex
	var got []string
	if _, err := r.Subscribe(ctx, "room", "msg", func(e Event) error {
		mu.Lock()
		got = append(got, string(e.Payload))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == `"early"`
	})
	if r.State("room") != StateOpen {
		t.Fatalf("state = %v", r.State("room"))
	}
}
