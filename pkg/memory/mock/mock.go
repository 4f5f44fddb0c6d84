// Package mock provides an in-memory test double for [memory.PhraseStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.PhraseStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WritePhrase"); got != 2 {
//	    t.Errorf("expected 2 WritePhrase calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duoscribe/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// PhraseStore is a configurable test double for [memory.PhraseStore].
// Successful writes are kept in memory; Recent answers from them unless
// RecentResult is set.
type PhraseStore struct {
	mu sync.Mutex

	calls   []Call
	written []memory.PhraseEntry

	// WritePhraseErr is returned by [PhraseStore.WritePhrase] when non-nil.
	// The entry is not kept.
	WritePhraseErr error

	// RecentResult overrides what [PhraseStore.Recent] returns.
	RecentResult []memory.PhraseEntry

	// RecentErr is returned by [PhraseStore.Recent] when non-nil.
	RecentErr error

	// SearchResult is returned by [PhraseStore.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.PhraseEntry

	// SearchErr is returned by [PhraseStore.Search] when non-nil.
	SearchErr error

	// PingErr is returned by [PhraseStore.Ping] when non-nil.
	PingErr error
}

var _ memory.PhraseStore = (*PhraseStore)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *PhraseStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *PhraseStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Written returns a copy of the successfully written entries in order.
func (m *PhraseStore) Written() []memory.PhraseEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.PhraseEntry, len(m.written))
	copy(out, m.written)
	return out
}

// Reset clears all recorded calls and written entries without altering
// response configuration.
func (m *PhraseStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.written = nil
}

// WritePhrase implements [memory.PhraseStore].
func (m *PhraseStore) WritePhrase(_ context.Context, entry memory.PhraseEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WritePhrase", Args: []any{entry}})
	if m.WritePhraseErr != nil {
		return m.WritePhraseErr
	}
	m.written = append(m.written, entry)
	return nil
}

// Recent implements [memory.PhraseStore].
func (m *PhraseStore) Recent(_ context.Context, sessionID string, limit int) ([]memory.PhraseEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{sessionID, limit}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	if m.RecentResult != nil {
		out := make([]memory.PhraseEntry, len(m.RecentResult))
		copy(out, m.RecentResult)
		return out, nil
	}
	var matched []memory.PhraseEntry
	for _, e := range m.written {
		if e.SessionID == sessionID {
			matched = append(matched, e)
		}
	}
	if limit < len(matched) {
		matched = matched[len(matched)-max(limit, 0):]
	}
	out := make([]memory.PhraseEntry, len(matched))
	copy(out, matched)
	return out, nil
}

// Search implements [memory.PhraseStore].
func (m *PhraseStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.PhraseEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchResult == nil {
		return []memory.PhraseEntry{}, m.SearchErr
	}
	out := make([]memory.PhraseEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ping implements [memory.PhraseStore].
func (m *PhraseStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}
