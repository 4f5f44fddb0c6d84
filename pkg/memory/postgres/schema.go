// Package postgres provides a PostgreSQL-backed [memory.PhraseStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WritePhrase(ctx, entry)
//	recent, _ := store.Recent(ctx, sessionID, 20)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPhrases = `
CREATE TABLE IF NOT EXISTS phrases (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_phrases_session_timestamp
    ON phrases (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_phrases_fts
    ON phrases USING GIN (to_tsvector('simple', text));
`

// Migrate creates the phrases table and its indexes. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPhrases); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
