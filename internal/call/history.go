package call

import (
	"context"
	"sync"

	"github.com/petervdpas/chathub/internal/util"
)

// MemoryHistory keeps the most recent finished calls in memory.
type MemoryHistory struct {
	mu   sync.Mutex
	recs *util.RingBuffer[Record]
}

func NewMemoryHistory(capacity int) *MemoryHistory {
	return &MemoryHistory{recs: util.NewRingBuffer[Record](capacity)}
}

func (h *MemoryHistory) Add(_ context.Context, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs.Push(rec)
	return nil
}

func (h *MemoryHistory) Rate(_ context.Context, callID string, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.recs.Find(func(r Record) bool { return r.Session.ID == callID })
	if !ok {
		return ErrNoSession
	}
	rec.QualityRating = rating
	h.recs.Replace(func(r Record) bool { return r.Session.ID == callID }, rec)
	return nil
}

// List returns the records, newest first.
func (h *MemoryHistory) List(_ context.Context) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.recs.Snapshot()
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (h *MemoryHistory) Close() error { return nil }
