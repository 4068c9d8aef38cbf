package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/petervdpas/chathub/internal/metrics"
	"github.com/petervdpas/chathub/internal/proto"
	"github.com/petervdpas/chathub/internal/realtime"
	"github.com/petervdpas/chathub/internal/transport/memory"
)

type fakeDisplay struct {
	mu     sync.Mutex
	toasts []string
	native []string
}

func (d *fakeDisplay) Toast(n Notification) {
	d.mu.Lock()
	d.toasts = append(d.toasts, n.ID)
	d.mu.Unlock()
}

func (d *fakeDisplay) Native(n Notification) error {
	d.mu.Lock()
	d.native = append(d.native, n.ID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDisplay) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.toasts), len(d.native)
}

type fakePerms struct {
	grant bool
	err   error
	asked int
}

func (p *fakePerms) RequestNative(context.Context) (bool, error) {
	p.asked++
	return p.grant, p.err
}

func newRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	reg := realtime.New(memory.New(memory.NewBroker(), "me"))
	t.Cleanup(reg.Shutdown)
	return New(reg, "me", opts...)
}

func TestRouteFiltersOtherUsers(t *testing.T) {
	r := newRouter(t)
	if n := r.Route(context.Background(), proto.NotificationPayload{UserID: "someone", Type: "message"}); n != nil {
		t.Fatalf("routed notification for another user: %+v", n)
	}
	if n := r.Route(context.Background(), proto.NotificationPayload{UserID: "me"}); n != nil {
		t.Fatalf("routed notification without type: %+v", n)
	}
	if got := len(r.List()); got != 0 {
		t.Fatalf("history = %d", got)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		typ      string
		priority string
		wantType string
		wantPrio Priority
	}{
		{"call", "", TypeCall, Urgent},
		{"mention", "", TypeMention, High},
		{"contact_request", "", TypeContactRequest, Normal},
		{"system", "", TypeSystem, Low},
		{"message", "", TypeMessage, Normal},
		{"birthday", "", TypeGeneric, Normal},
		{"system", "urgent", TypeSystem, Urgent},
		{"message", "bogus", TypeMessage, Normal},
	}
	for _, tc := range tests {
		t.Run(tc.typ+"/"+tc.priority, func(t *testing.T) {
			r := newRouter(t)
			n := r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: tc.typ, Priority: tc.priority})
			if n == nil {
				t.Fatal("not routed")
			}
			if n.Type != tc.wantType || n.Priority != tc.wantPrio {
				t.Errorf("got (%s, %s), want (%s, %s)", n.Type, n.Priority, tc.wantType, tc.wantPrio)
			}
			if n.Title == "" || n.ID == "" {
				t.Errorf("defaults not filled: %+v", n)
			}
		})
	}
}

func TestDisplayPolicy(t *testing.T) {
	disp := &fakeDisplay{}
	perms := &fakePerms{grant: true}
	r := newRouter(t, WithDisplay(disp), WithPermissions(perms), WithNative(true))
	ctx := context.Background()

	for _, prio := range []string{"low", "normal"} {
		r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "message", Priority: prio})
	}
	if toasts, native := disp.counts(); toasts != 0 || native != 0 {
		t.Fatalf("low/normal displayed: toasts=%d native=%d", toasts, native)
	}

	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "mention"})
	if toasts, native := disp.counts(); toasts != 1 || native != 0 {
		t.Fatalf("high: toasts=%d native=%d", toasts, native)
	}

	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "call"})
	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "call"})
	if toasts, native := disp.counts(); toasts != 3 || native != 2 {
		t.Fatalf("urgent: toasts=%d native=%d", toasts, native)
	}
	if perms.asked != 1 {
		t.Errorf("permission asked %d times, want 1", perms.asked)
	}
}

func TestNativeGating(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		disp := &fakeDisplay{}
		perms := &fakePerms{grant: false}
		r := newRouter(t, WithDisplay(disp), WithPermissions(perms), WithNative(true))
		r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "call"})
		r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "call"})
		if _, native := disp.counts(); native != 0 {
			t.Errorf("native shown without permission")
		}
		if perms.asked != 1 {
			t.Errorf("denied permission asked %d times", perms.asked)
		}
	})
	t.Run("request error", func(t *testing.T) {
		disp := &fakeDisplay{}
		perms := &fakePerms{grant: true, err: errors.New("no bus")}
		r := newRouter(t, WithDisplay(disp), WithPermissions(perms), WithNative(true))
		r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "call"})
		if toasts, native := disp.counts(); toasts != 1 || native != 0 {
			t.Errorf("toasts=%d native=%d", toasts, native)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		disp := &fakeDisplay{}
		perms := &fakePerms{grant: true}
		r := newRouter(t, WithDisplay(disp), WithPermissions(perms))
		r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "call"})
		if _, native := disp.counts(); native != 0 || perms.asked != 0 {
			t.Errorf("native path used while disabled")
		}
	})
}

func TestAcknowledgeOnce(t *testing.T) {
	r := newRouter(t)
	n := r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "message", ID: "n1"})
	if n == nil || n.Read {
		t.Fatalf("routed = %+v", n)
	}
	if !r.Acknowledge("n1") {
		t.Fatal("first acknowledge returned false")
	}
	if r.Acknowledge("n1") {
		t.Fatal("second acknowledge returned true")
	}
	if r.Acknowledge("missing") {
		t.Fatal("acknowledged an unknown id")
	}
	if r.UnreadCount() != 0 {
		t.Fatalf("unread = %d", r.UnreadCount())
	}
}

func TestAcknowledgeAll(t *testing.T) {
	r := newRouter(t)
	for i := 0; i < 4; i++ {
		r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "message", ID: fmt.Sprint(i)})
	}
	r.Acknowledge("2")
	if got := r.AcknowledgeAll(); got != 3 {
		t.Fatalf("AcknowledgeAll = %d, want 3", got)
	}
	if len(r.Unread()) != 0 || len(r.List()) != 4 {
		t.Fatalf("unread=%d list=%d", len(r.Unread()), len(r.List()))
	}
}

func TestHistoryCappedAtFifty(t *testing.T) {
	r := newRouter(t)
	for i := 0; i < 60; i++ {
		if r.Route(context.Background(), proto.NotificationPayload{UserID: "me", Type: "message", ID: fmt.Sprint(i)}) == nil {
			t.Fatalf("route %d failed", i)
		}
	}
	list := r.List()
	if len(list) != DefaultCapacity {
		t.Fatalf("history = %d, want %d", len(list), DefaultCapacity)
	}
	if list[0].ID != "10" || list[len(list)-1].ID != "59" {
		t.Fatalf("kept %s..%s, want 10..59", list[0].ID, list[len(list)-1].ID)
	}
}

func TestDuplicateIDIgnored(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()
	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "message", ID: "x"})
	if n := r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "message", ID: "x"}); n != nil {
		t.Fatal("duplicate routed")
	}
	if len(r.List()) != 1 {
		t.Fatalf("history = %d", len(r.List()))
	}
}

func TestRetentionSweep(t *testing.T) {
	clk := clock.NewMock()
	r := newRouter(t, WithClock(clk), WithMaxAge(time.Hour))
	ctx := context.Background()

	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "message", ID: "old"})
	clk.Add(45 * time.Minute)
	r.Route(ctx, proto.NotificationPayload{UserID: "me", Type: "message", ID: "new"})
	clk.Add(30 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	list := r.List()
	if len(list) != 1 || list[0].ID != "new" {
		t.Fatalf("after sweep = %+v", list)
	}
}

func TestStartRoutesChannelEvents(t *testing.T) {
	b := memory.NewBroker()
	clk := clock.NewMock()
	reg := realtime.New(memory.New(b, "me"))
	defer reg.Shutdown()
	m := metrics.New(prometheus.NewRegistry())
	r := New(reg, "me", WithClock(clk), WithMetrics(m), WithMaxAge(time.Hour))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	got := make(chan Notification, 1)
	r.OnNotification(func(n Notification) { got <- n })

	server := realtime.New(memory.New(b, "server"))
	defer server.Shutdown()
	ch := proto.NotificationChannel("me")
	server.Subscribe(context.Background(), ch, proto.KindAny, realtime.ListenerFunc(func(realtime.Event) {}))
	server.Broadcast(context.Background(), ch, proto.KindNotification, proto.NotificationPayload{
		UserID: "me", Type: "mention", Body: "@me look",
	})

	select {
	case n := <-got:
		if n.Priority != High || n.Body != "@me look" {
			t.Errorf("routed = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not routed")
	}
	if v := testutil.ToFloat64(m.Notifications.WithLabelValues("high")); v != 1 {
		t.Errorf("high notifications metric = %v", v)
	}

	// Retention runs on the sweep ticker once started.
	clk.Add(2 * time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for len(r.List()) != 0 && time.Now().Before(deadline) {
		clk.Add(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	if len(r.List()) != 0 {
		t.Errorf("sweep did not run: %d left", len(r.List()))
	}
}
