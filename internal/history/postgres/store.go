// Package postgres stores the performed-turn history in PostgreSQL.
//
// [NewStore] opens a [pgxpool.Pool] and runs [Migrate], which is idempotent
// and safe on every start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/stagelive/internal/history"
)

var _ history.Store = (*Store)(nil)

const ddlPerformedTurns = `
CREATE TABLE IF NOT EXISTS performed_turns (
    id           BIGSERIAL    PRIMARY KEY,
    segment_id   TEXT         NOT NULL,
    character_id TEXT         NOT NULL DEFAULT '',
    name         TEXT         NOT NULL DEFAULT '',
    text         TEXT         NOT NULL DEFAULT '',
    think_text   TEXT         NOT NULL DEFAULT '',
    chunks       INTEGER      NOT NULL DEFAULT 0,
    skipped      INTEGER      NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_performed_turns_finished_at
    ON performed_turns (finished_at);

CREATE INDEX IF NOT EXISTS idx_performed_turns_character
    ON performed_turns (character_id);
`

// Migrate creates the history table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlPerformedTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [history.Store] backed by the performed_turns table.
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and migrates the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, e history.Entry) error {
	const q = `
		INSERT INTO performed_turns
		    (segment_id, character_id, name, text, think_text, chunks, skipped, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		e.SegmentID,
		e.Character,
		e.Name,
		e.Text,
		e.ThinkText,
		e.Chunks,
		e.Skipped,
		e.Started,
		e.Finished,
	)
	if err != nil {
		return fmt.Errorf("history store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	q := `
		SELECT segment_id, character_id, name, text, think_text, chunks, skipped, started_at, finished_at
		FROM   (
		    SELECT * FROM performed_turns
		    ORDER  BY id DESC`
	args := []any{}
	if n > 0 {
		q += "\n\t\t    LIMIT $1"
		args = append(args, n)
	}
	q += `
		) latest
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var e history.Entry
		err := row.Scan(
			&e.SegmentID,
			&e.Character,
			&e.Name,
			&e.Text,
			&e.ThinkText,
			&e.Chunks,
			&e.Skipped,
			&e.Started,
			&e.Finished,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
