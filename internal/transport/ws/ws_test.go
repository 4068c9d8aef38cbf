package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/relay"
	"github.com/petervdpas/chathub/internal/transport"
	"github.com/petervdpas/chathub/internal/transport/ws"
)

type collector struct {
	mu     sync.Mutex
	events []transport.Event
}

func (c *collector) add(e transport.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Event(nil), c.events...)
}

type statuses struct {
	mu  sync.Mutex
	got []transport.Status
}

func (s *statuses) add(st transport.Status) {
	s.mu.Lock()
	s.got = append(s.got, st)
	s.mu.Unlock()
}

func (s *statuses) snapshot() []transport.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Status(nil), s.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	s := relay.New("127.0.0.1:0", relay.WithRegistry(prometheus.NewRegistry()))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.DisconnectAll()
		hs.Close()
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"
}

func dial(t *testing.T, url, user string) *ws.Transport {
	t.Helper()
	tr, err := ws.Dial(context.Background(), url, user, ws.WithReconnect(10*time.Millisecond, 50*time.Millisecond))
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendReceiveWithoutEcho(t *testing.T) {
	ctx := context.Background()
	s, url := startRelay(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	ha, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	hb, err := bob.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if ha.Name() != "room" {
		t.Fatalf("name = %q", ha.Name())
	}

	var atBob, atAlice collector
	bob.OnEvent(hb, func(kind string) bool { return kind == "msg" }, atBob.add)
	alice.OnEvent(ha, nil, atAlice.add)

	for i := 0; i < 20; i++ {
		payload, _ := json.Marshal(i)
		if err := alice.Send(ctx, ha, "msg", payload); err != nil {
			t.Fatal(err)
		}
	}
	_ = alice.Send(ctx, ha, "other", json.RawMessage(`{}`))

	waitFor(t, func() bool { return len(atBob.snapshot()) == 20 })
	for i, e := range atBob.snapshot() {
		var n int
		if err := json.Unmarshal(e.Payload, &n); err != nil || n != i {
			t.Fatalf("event %d out of order: %s", i, e.Payload)
		}
		if e.From != "alice" || e.Channel != "room" || e.Kind != "msg" {
			t.Fatalf("bad envelope: %+v", e)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(atAlice.snapshot()); n != 0 {
		t.Fatalf("sender saw %d of its own events", n)
	}
	if st := s.Stats(); st.Channels["room"] != 2 {
		t.Fatalf("relay stats = %+v", st)
	}
}

func TestCloseChannel(t *testing.T) {
	ctx := context.Background()
	s, url := startRelay(t)
	alice := dial(t, url, "alice")

	h1, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}

	// The relay membership stays while another handle uses the channel.
	if err := alice.CloseChannel(h1); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(ctx, h1, "msg", json.RawMessage(`1`)); !errors.Is(err, transport.ErrUnknownHandle) {
		t.Fatalf("send on closed handle: %v", err)
	}
	if err := alice.Send(ctx, h2, "msg", json.RawMessage(`1`)); err != nil {
		t.Fatalf("send on remaining handle: %v", err)
	}

	if err := alice.CloseChannel(h2); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Channels()) == 0 })
}

func TestReconnectInvalidatesHandles(t *testing.T) {
	ctx := context.Background()
	s, url := startRelay(t)
	alice := dial(t, url, "alice")

	var seen statuses
	alice.OnStatus(seen.add)

	old, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}

	s.DisconnectAll()
	waitFor(t, func() bool { return len(seen.snapshot()) == 2 })
	got := seen.snapshot()
	if got[0] != transport.Disconnected || got[1] != transport.Connected {
		t.Fatalf("statuses = %v", got)
	}

	if err := alice.Send(ctx, old, "msg", json.RawMessage(`1`)); !errors.Is(err, transport.ErrUnknownHandle) {
		t.Fatalf("send on pre-reconnect handle: %v", err)
	}
	h, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatalf("open after reconnect: %v", err)
	}
	if err := alice.Send(ctx, h, "msg", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryResubscribesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	s, url := startRelay(t)
	ra := realtime.New(dial(t, url, "alice"))
	rb := realtime.New(dial(t, url, "bob"))
	t.Cleanup(ra.Shutdown)
	t.Cleanup(rb.Shutdown)

	var got collector
	if _, err := rb.Subscribe(ctx, "room", "msg", realtime.ListenerFunc(got.add)); err != nil {
		t.Fatal(err)
	}
	if _, err := ra.Subscribe(ctx, "room", "msg", realtime.ListenerFunc(func(realtime.Event) {})); err != nil {
		t.Fatal(err)
	}

	s.DisconnectAll()
	waitFor(t, func() bool {
		return s.Stats().Channels["room"] == 2 &&
			ra.State("room") == realtime.StateOpen && rb.State("room") == realtime.StateOpen
	})

	if !ra.Broadcast(ctx, "room", "msg", map[string]string{"text": "back"}) {
		t.Fatal("broadcast after reconnect failed")
	}
	waitFor(t, func() bool { return len(got.snapshot()) == 1 })
	var body map[string]string
	if err := realtime.Decode(got.snapshot()[0], &body); err != nil || body["text"] != "back" {
		t.Fatalf("payload = %v (%v)", body, err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	_, url := startRelay(t)
	alice := dial(t, url, "alice")
	h, err := alice.OpenChannel(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}

	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := alice.OpenChannel(ctx, "room"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("open after close: %v", err)
	}
	if err := alice.Send(ctx, h, "msg", json.RawMessage(`1`)); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ws.Dial(ctx, "ws://127.0.0.1:1/socket", "alice"); err == nil {
		t.Fatal("dial to closed port succeeded")
	}
}
