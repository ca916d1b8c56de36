package executor

import (
	"sync"
	"time"
)

// HistoryEntry records one executed statement.
type HistoryEntry struct {
	Statement string    `json:"statement"`
	TimingMs  float64   `json:"timingMs"`
	Timestamp time.Time `json:"timestamp"`
}

// historyStore keeps a bounded ring of history entries per connection.
// When the ring is full the oldest entry is dropped.
type historyStore struct {
	mu    sync.Mutex
	size  int
	rings map[string][]HistoryEntry
}

func newHistoryStore(size int) *historyStore {
	return &historyStore{size: size, rings: make(map[string][]HistoryEntry)}
}

func (h *historyStore) record(connectionID string, entry HistoryEntry) {
	if h.size <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.rings[connectionID], entry)
	if len(ring) > h.size {
		ring = ring[len(ring)-h.size:]
	}
	h.rings[connectionID] = ring
}

// recent returns up to limit entries, newest first. limit <= 0 means all.
func (h *historyStore) recent(connectionID string, limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := h.rings[connectionID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}

	out := make([]HistoryEntry, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

func (h *historyStore) clear(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, connectionID)
}
