package app

import (
	"sync"

	"github.com/MrWong99/duoscribe/internal/transcript"
)

// Entry is one delivered phrase together with the run that produced it.
type Entry struct {
	SessionID string `json:"session_id"`
	transcript.Message
}

// History keeps the most recent phrases in memory for the HTTP API. It is
// safe for concurrent use.
type History struct {
	mu    sync.Mutex
	buf   []Entry
	next  int
	count int
}

// NewHistory returns a History holding at most capacity entries. A capacity
// below 1 is treated as 1.
func NewHistory(capacity int) *History {
	return &History{buf: make([]Entry, max(capacity, 1))}
}

// Add appends e, evicting the oldest entry when full.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Recent returns up to limit entries, oldest first. A limit below 1 returns
// everything held.
func (h *History) Recent(limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	start := (h.next - n + len(h.buf)) % len(h.buf)
	for i := range out {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
