// Package memory defines durable storage for transcript phrases.
//
// A [PhraseStore] receives every phrase the pipeline delivers, tagged with the
// pipeline run it belongs to, and answers recency and full-text queries over
// them. The PostgreSQL implementation lives in the postgres subpackage.
package memory

import (
	"context"
	"time"
)

// PhraseEntry is one delivered phrase.
type PhraseEntry struct {
	// SessionID identifies the pipeline run that produced the phrase.
	SessionID string

	// Speaker is "user" or "system".
	Speaker string

	// Text is the (possibly corrected) phrase text.
	Text string

	// RawText is the phrase as assembled, before vocabulary correction.
	// Empty when no correction was applied.
	RawText string

	// Timestamp is when the phrase was flushed.
	Timestamp time.Time
}

// SearchOpts narrows a [PhraseStore.Search]. Zero values disable a filter.
type SearchOpts struct {
	SessionID string
	Speaker   string
	After     time.Time
	Before    time.Time

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// PhraseStore persists phrases. Implementations must be safe for concurrent
// use.
type PhraseStore interface {
	// WritePhrase appends entry.
	WritePhrase(ctx context.Context, entry PhraseEntry) error

	// Recent returns the last limit phrases of sessionID, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]PhraseEntry, error)

	// Search performs a full-text search over phrase text.
	Search(ctx context.Context, query string, opts SearchOpts) ([]PhraseEntry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
