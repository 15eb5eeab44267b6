// Package events keeps a bounded in-memory history of submission outcomes.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway.
const (
	TypeRejected = "submission.rejected"
	TypeRecorded = "submission.recorded"
	TypeSent     = "submission.sent"
	TypeFailed   = "submission.failed"
)

// Event is one outcome. It never carries form contents.
type Event struct {
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	At           time.Time `json:"at"`
	RequestID    string    `json:"requestId,omitempty"`
	SubmissionID string    `json:"submissionId,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Hub is a ring buffer of the most recent events.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Event
	start int
	size  int
}

// NewHub returns a hub holding at most capacity events (default 100).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
	}
}

// Publish stamps ev with an ID and time and appends it, evicting the oldest
// event when full.
func (h *Hub) Publish(ev Event) Event {
	ev.ID = h.nextID.Add(1)
	ev.At = h.now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = ev
		h.size++
		return ev
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % len(h.ring)
	return ev
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Counts tallies buffered events by type.
func (h *Hub) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int)
	for i := 0; i < h.size; i++ {
		out[h.ring[(h.start+i)%len(h.ring)].Type]++
	}
	return out
}
