package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/chathub/internal/call"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "hub.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id string, ended time.Time, reason string) call.Record {
	connected := ended.Add(-2 * time.Minute)
	return call.Record{
		Session: call.Session{
			ID:           id,
			Type:         call.Video,
			InitiatorID:  "alice",
			ReceiverID:   "bob",
			Participants: []string{"alice", "bob"},
			State:        call.Ended,
			Outgoing:     true,
			CreatedAt:    connected.Add(-5 * time.Second),
			ConnectedAt:  connected,
			EndedAt:      ended,
			EndReason:    reason,
		},
		Duration:  2 * time.Minute,
		EndReason: reason,
	}
}

func TestOpenWritesSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	if v := db.Meta("schema_version"); v != schemaVersion {
		t.Fatalf("schema_version = %q", v)
	}
	if db.Meta("missing") != "" {
		t.Fatal("missing key returned a value")
	}

	// Reopening an existing file keeps working.
	path := db.Path()
	db.Close()
	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}

func TestCallHistoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	h := db.CallHistory(0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := h.Add(ctx, record("c1", base, call.ReasonHangup)); err != nil {
		t.Fatal(err)
	}
	if err := h.Add(ctx, record("c2", base.Add(time.Hour), call.ReasonCancelled)); err != nil {
		t.Fatal(err)
	}

	recs, err := h.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Session.ID != "c2" || recs[1].Session.ID != "c1" {
		t.Fatalf("records = %+v", recs)
	}
	got := recs[1]
	want := record("c1", base, call.ReasonHangup)
	if got.Duration != want.Duration || got.EndReason != want.EndReason {
		t.Fatalf("record = %+v", got)
	}
	if !got.Session.EndedAt.Equal(want.Session.EndedAt) || !got.Session.ConnectedAt.Equal(want.Session.ConnectedAt) {
		t.Fatalf("times = %v / %v", got.Session.ConnectedAt, got.Session.EndedAt)
	}
	if got.Session.Type != call.Video || got.Session.State != call.Ended || !got.Session.Outgoing {
		t.Fatalf("session = %+v", got.Session)
	}
	if len(got.Session.Participants) != 2 {
		t.Fatalf("participants = %v", got.Session.Participants)
	}
}

func TestCallHistoryNeverConnected(t *testing.T) {
	ctx := context.Background()
	h := openTestDB(t).CallHistory(0)

	rec := call.Record{Session: call.Session{
		ID: "c1", Type: call.Voice, InitiatorID: "alice", ReceiverID: "bob",
		State: call.Declined, EndedAt: time.Unix(100, 0), EndReason: call.ReasonBusy,
	}, EndReason: call.ReasonBusy}
	if err := h.Add(ctx, rec); err != nil {
		t.Fatal(err)
	}
	recs, _ := h.List(ctx)
	if len(recs) != 1 || !recs[0].Session.ConnectedAt.IsZero() || recs[0].Duration != 0 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestCallHistoryRateAndLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	h := db.CallHistory(2)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := h.Add(ctx, record(id, base.Add(time.Duration(i)*time.Minute), call.ReasonHangup)); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Rate(ctx, "a", 4); err != nil {
		t.Fatal(err)
	}
	if err := h.Rate(ctx, "zzz", 4); !errors.Is(err, call.ErrNoSession) {
		t.Fatalf("rate unknown err = %v", err)
	}
	if err := h.Rate(ctx, "a", 0); !errors.Is(err, call.ErrInvalidRating) {
		t.Fatalf("rate 0 err = %v", err)
	}

	recs, _ := h.List(ctx)
	if len(recs) != 2 || recs[0].Session.ID != "c" || recs[1].Session.ID != "b" {
		t.Fatalf("limited records = %+v", recs)
	}
	all, _ := db.CallHistory(0).List(ctx)
	if len(all) != 3 || all[2].QualityRating != 4 {
		t.Fatalf("all records = %+v", all)
	}

	// Re-adding keeps the rating.
	if err := h.Add(ctx, record("a", base, call.ReasonShutdown)); err != nil {
		t.Fatal(err)
	}
	all, _ = db.CallHistory(0).List(ctx)
	if all[2].QualityRating != 4 || all[2].EndReason != call.ReasonShutdown {
		t.Fatalf("re-added record = %+v", all[2])
	}
}

func TestContacts(t *testing.T) {
	db := openTestDB(t)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := db.UpsertContact(Contact{UserID: "alice", Status: "online", Device: "laptop", LastSeen: seen}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertContact(Contact{UserID: "bob", Status: "away", LastSeen: seen.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	// A later update without a device keeps the known one.
	if err := db.UpsertContact(Contact{UserID: "alice", Status: "offline", LastSeen: seen.Add(2 * time.Minute)}); err != nil {
		t.Fatal(err)
	}

	c, ok := db.GetContact("alice")
	if !ok || c.Status != "offline" || c.Device != "laptop" || !c.LastSeen.Equal(seen.Add(2*time.Minute)) {
		t.Fatalf("alice = %+v, %v", c, ok)
	}
	list, err := db.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].UserID != "alice" || list[1].UserID != "bob" {
		t.Fatalf("contacts = %+v", list)
	}
	if err := db.DeleteContact("alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.GetContact("alice"); ok {
		t.Fatal("deleted contact still present")
	}
}
