package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petervdpas/chathub/internal/call"
)

// CallHistory is a call.History backed by the call_history table.
type CallHistory struct {
	d     *DB
	limit int
}

// CallHistory returns the persistent call history. List returns at most
// limit records (all when limit <= 0).
func (d *DB) CallHistory(limit int) *CallHistory {
	return &CallHistory{d: d, limit: limit}
}

func unixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// Add stores rec. A record for the same call replaces the earlier one but
// keeps its rating.
func (h *CallHistory) Add(ctx context.Context, rec call.Record) error {
	s := rec.Session
	participants, _ := json.Marshal(s.Participants)
	outgoing := 0
	if s.Outgoing {
		outgoing = 1
	}
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	_, err := h.d.db.ExecContext(ctx, `
		INSERT INTO call_history
			(call_id, call_type, initiator_id, receiver_id, participants, outgoing,
			 state, end_reason, created_at, connected_at, ended_at, duration_ms, quality_rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			state        = excluded.state,
			end_reason   = excluded.end_reason,
			connected_at = excluded.connected_at,
			ended_at     = excluded.ended_at,
			duration_ms  = excluded.duration_ms`,
		s.ID, string(s.Type), s.InitiatorID, s.ReceiverID, string(participants), outgoing,
		string(s.State), rec.EndReason, unixNano(s.CreatedAt), unixNano(s.ConnectedAt), unixNano(s.EndedAt),
		rec.Duration.Milliseconds(), rec.QualityRating,
	)
	if err != nil {
		return fmt.Errorf("add call %s: %w", s.ID, err)
	}
	return nil
}

// Rate sets the quality rating of a stored call.
func (h *CallHistory) Rate(ctx context.Context, callID string, rating int) error {
	if rating < 1 || rating > 5 {
		return call.ErrInvalidRating
	}
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	res, err := h.d.db.ExecContext(ctx, `UPDATE call_history SET quality_rating = ? WHERE call_id = ?`, rating, callID)
	if err != nil {
		return fmt.Errorf("rate call %s: %w", callID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return call.ErrNoSession
	}
	return nil
}

// List returns the stored calls, newest first.
func (h *CallHistory) List(ctx context.Context) ([]call.Record, error) {
	limit := h.limit
	if limit <= 0 {
		limit = -1
	}
	h.d.mu.RLock()
	defer h.d.mu.RUnlock()
	rows, err := h.d.db.QueryContext(ctx, `
		SELECT call_id, call_type, initiator_id, receiver_id, participants, outgoing,
		       state, end_reason, created_at, connected_at, ended_at, duration_ms, quality_rating
		FROM call_history
		ORDER BY ended_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []call.Record
	for rows.Next() {
		var (
			rec                         call.Record
			typ, state, participantsRaw string
			outgoing                    int
			created, connected, ended   sql.NullInt64
			durationMS                  int64
		)
		if err := rows.Scan(&rec.Session.ID, &typ, &rec.Session.InitiatorID, &rec.Session.ReceiverID,
			&participantsRaw, &outgoing, &state, &rec.EndReason, &created, &connected, &ended,
			&durationMS, &rec.QualityRating); err != nil {
			return nil, err
		}
		rec.Session.Type = call.Type(typ)
		rec.Session.State = call.State(state)
		rec.Session.Outgoing = outgoing != 0
		rec.Session.EndReason = rec.EndReason
		rec.Session.CreatedAt = fromUnixNano(created)
		rec.Session.ConnectedAt = fromUnixNano(connected)
		rec.Session.EndedAt = fromUnixNano(ended)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		json.Unmarshal([]byte(participantsRaw), &rec.Session.Participants)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close is a no-op; the DB is closed by its owner.
func (h *CallHistory) Close() error { return nil }

var _ call.History = (*CallHistory)(nil)
