package notify

import (
	"context"
	"sync"
	"time"

	"taskhub/model"
)

const DefaultHistorySize = 100

// History is the pull side of delivery: a bounded window of recent events
// that readers may query any number of times.
type History interface {
	// Recent returns events with Seq > since, newest first. limit <= 0 means
	// the whole window.
	Recent(ctx context.Context, since uint64, limit int) ([]model.Event, error)
}

// MemoryHistory is a ring of the last Size events, optionally also bounded by
// age. It records synchronously from the bus, so a read that follows a
// mutation always sees its event.
type MemoryHistory struct {
	maxAge time.Duration
	now    func() time.Time

	mu   sync.RWMutex
	ring []model.Event
	head int // next write position
	n    int
}

func NewMemoryHistory(size int, maxAge time.Duration) *MemoryHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryHistory{
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
		ring:   make([]model.Event, size),
	}
}

func (h *MemoryHistory) Record(ev model.Event) {
	h.mu.Lock()
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
	if h.n < len(h.ring) {
		h.n++
	}
	h.mu.Unlock()
}

// Seed loads events, oldest first, as if they had been recorded. It returns
// the highest sequence number seen.
func (h *MemoryHistory) Seed(evs []model.Event) uint64 {
	var last uint64
	for _, ev := range evs {
		h.Record(ev)
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last
}

func (h *MemoryHistory) Recent(_ context.Context, since uint64, limit int) ([]model.Event, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var cutoff time.Time
	if h.maxAge > 0 {
		cutoff = h.now().Add(-h.maxAge)
	}
	out := make([]model.Event, 0, h.n)
	for i := 1; i <= h.n; i++ {
		ev := h.ring[(h.head-i+len(h.ring))%len(h.ring)]
		if ev.Seq <= since {
			break
		}
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}
