package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duoscribe/pkg/memory"
)

var _ memory.PhraseStore = (*Store)(nil)

// Store is a [memory.PhraseStore] on a single [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// WritePhrase implements [memory.PhraseStore].
func (s *Store) WritePhrase(ctx context.Context, entry memory.PhraseEntry) error {
	const q = `
		INSERT INTO phrases (session_id, speaker, text, raw_text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		entry.Speaker,
		entry.Text,
		entry.RawText,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write phrase: %w", err)
	}
	return nil
}

// Recent implements [memory.PhraseStore].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]memory.PhraseEntry, error) {
	const q = `
		SELECT session_id, speaker, text, raw_text, timestamp
		FROM   phrases
		WHERE  session_id = $1
		ORDER  BY timestamp DESC, id DESC
		LIMIT  $2`

	if limit <= 0 {
		return []memory.PhraseEntry{}, nil
	}
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// Search implements [memory.PhraseStore]. The query is passed to
// plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.PhraseEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(opts.Speaker))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT session_id, speaker, text, raw_text, timestamp\n" +
		"FROM   phrases\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"

	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping implements [memory.PhraseStore].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]memory.PhraseEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.PhraseEntry, error) {
		var e memory.PhraseEntry
		if err := row.Scan(&e.SessionID, &e.Speaker, &e.Text, &e.RawText, &e.Timestamp); err != nil {
			return memory.PhraseEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.PhraseEntry{}
	}
	return entries, nil
}
