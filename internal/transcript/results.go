// Package transcript reassembles per-channel recognition fragments into
// speaker-attributed phrases and delivers them on a bounded queue.
//
// The [Assembler] is a small state machine over (speaker, text) events: it
// merges consecutive fragments of the same speaker, flushes the pending text
// whenever the speaker changes, and flushes every completed sentence as its
// own [Message]. Delivery goes through [Results], which never blocks: when
// the queue is full the newest message is dropped.
package transcript

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the default bound of a [Results] queue.
const DefaultCapacity = 10

// Kind tags a [Message] with its speaker.
type Kind int

const (
	// KindUser marks text spoken into the primary device (channel 0).
	KindUser Kind = iota

	// KindSystem marks text heard on any other channel.
	KindSystem
)

// KindForChannel maps a recognition channel to its speaker kind.
func KindForChannel(channel int) Kind {
	if channel == 0 {
		return KindUser
	}
	return KindSystem
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user_msg"
	case KindSystem:
		return "system_msg"
	default:
		return "unknown"
	}
}

// Label is the short speaker prefix used in console output.
func (k Kind) Label() string {
	if k == KindUser {
		return "user"
	}
	return "system"
}

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Message is one flushed phrase.
type Message struct {
	Kind Kind      `json:"kind"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`

	// Raw is the phrase before rewriting. Empty when the rewriter left the
	// text unchanged.
	Raw string `json:"raw,omitempty"`

	// SessionID is the run that produced the phrase.
	SessionID string `json:"session_id,omitempty"`
}

// Results is a bounded, non-blocking FIFO of messages. Producers use
// [Results.TryPush]; consumers use [Results.Poll] or range over [Results.C].
// It is safe for concurrent use.
type Results struct {
	ch      chan Message
	dropped atomic.Uint64
}

// NewResults creates a queue holding at most capacity messages. A capacity
// below 1 selects [DefaultCapacity].
func NewResults(capacity int) *Results {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Results{ch: make(chan Message, capacity)}
}

// TryPush enqueues m without blocking. It reports false and counts the drop
// when the queue is full.
func (r *Results) TryPush(m Message) bool {
	select {
	case r.ch <- m:
		return true
	default:
		n := r.dropped.Add(1)
		slog.Warn("results queue full, dropping phrase", "kind", m.Kind.String(), "dropped_total", n)
		return false
	}
}

// Poll returns the oldest message, or false if the queue is empty.
func (r *Results) Poll() (Message, bool) {
	select {
	case m := <-r.ch:
		return m, true
	default:
		return Message{}, false
	}
}

// C returns the receive side of the queue. It is never closed.
func (r *Results) C() <-chan Message { return r.ch }

// Len returns the number of queued messages.
func (r *Results) Len() int { return len(r.ch) }

// Cap returns the queue bound.
func (r *Results) Cap() int { return cap(r.ch) }

// Dropped returns how many messages were refused because the queue was full.
func (r *Results) Dropped() uint64 { return r.dropped.Load() }
