// Package postgres provides Postgres-backed sink and cursor store
// implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tagpipe/hashtag-importer/internal/importer"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS hashtags (
	tag        TEXT PRIMARY KEY,
	metric     BIGINT NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS applied_batches (
	batch_key  TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS import_cursor (
	id         INT PRIMARY KEY,
	token      TEXT NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	owner_id   TEXT NOT NULL DEFAULT ''
);
`

// Store writes entity batches and the import cursor into Postgres.
// Batches are applied inside a transaction together with a row in the
// applied_batches ledger, so a redelivered batch is a no-op.
type Store struct {
	pool pgxPool
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Write applies a batch of entities. Counters accumulate additively,
// first_seen keeps the earliest and last_seen the latest timestamp. A
// batch whose ledger key was already applied is skipped entirely.
func (s *Store) Write(ctx context.Context, batch importer.Batch) error {
	if s == nil || s.pool == nil {
		return importer.Fatalf("postgres sink is not configured")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return importer.Transientf("begin batch tx: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO applied_batches (batch_key) VALUES ($1) ON CONFLICT (batch_key) DO NOTHING`,
		batch.LedgerKey())
	if err != nil {
		return importer.Transientf("record batch key: %v", err)
	}
	if tag.RowsAffected() == 0 {
		// Already applied in a previous run, before the cursor save landed.
		return nil
	}

	for _, e := range batch.Entities {
		if _, err := tx.Exec(ctx, `
INSERT INTO hashtags (tag, metric, first_seen, last_seen)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tag) DO UPDATE SET
	metric = hashtags.metric + EXCLUDED.metric,
	first_seen = LEAST(hashtags.first_seen, EXCLUDED.first_seen),
	last_seen = GREATEST(hashtags.last_seen, EXCLUDED.last_seen)`,
			e.CanonicalTag, e.Metric, e.FirstSeen, e.LastSeen); err != nil {
			return importer.Transientf("upsert hashtag %q: %v", e.CanonicalTag, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return importer.Transientf("commit batch tx: %v", err)
	}
	return nil
}

// CursorStore persists the import cursor in a single Postgres row. The
// owner id records which process instance last advanced the cursor.
type CursorStore struct {
	pool  pgxPool
	owner string
}

// NewCursorStore builds a cursor store sharing the sink's pool.
func NewCursorStore(store *Store, owner string) (*CursorStore, error) {
	if store == nil || store.pool == nil {
		return nil, fmt.Errorf("postgres store is required")
	}
	return &CursorStore{pool: store.pool, owner: owner}, nil
}

// NewCursorStoreWithPool constructs a cursor store from an existing pool.
func NewCursorStoreWithPool(pool pgxPool, owner string) (*CursorStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CursorStore{pool: pool, owner: owner}, nil
}

// Load returns the persisted cursor, or the start cursor when no row exists.
func (c *CursorStore) Load(ctx context.Context) (importer.Cursor, error) {
	var cursor importer.Cursor
	err := c.pool.QueryRow(ctx,
		`SELECT token, version FROM import_cursor WHERE id = 1`).
		Scan(&cursor.Token, &cursor.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.StartCursor(), nil
	}
	if err != nil {
		return importer.Cursor{}, importer.Transientf("load cursor: %v", err)
	}
	return cursor, nil
}

// Save persists the cursor. It accepts a re-save of the stored version
// or an advance by exactly one; anything else reports a stale cursor.
func (c *CursorStore) Save(ctx context.Context, cursor importer.Cursor) error {
	tag, err := c.pool.Exec(ctx, `
INSERT INTO import_cursor (id, token, version, updated_at, owner_id)
VALUES (1, $1, $2, now(), $3)
ON CONFLICT (id) DO UPDATE SET
	token = EXCLUDED.token,
	version = EXCLUDED.version,
	updated_at = EXCLUDED.updated_at,
	owner_id = EXCLUDED.owner_id
WHERE import_cursor.version = EXCLUDED.version
   OR import_cursor.version + 1 = EXCLUDED.version`,
		cursor.Token, cursor.Version, c.owner)
	if err != nil {
		return importer.Transientf("save cursor: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save cursor at version %d: %w", cursor.Version, importer.ErrStaleCursor)
	}
	return nil
}
