// Package sqlite provides a single-file sink and cursor store for
// deployments without a Postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tagpipe/hashtag-importer/internal/importer"
)

// Store writes entity batches and the import cursor into sqlite. The
// same redelivery semantics as the Postgres sink apply: every batch is
// recorded in an applied_batches ledger inside the writing transaction.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sink.sqlite.path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hashtags (
			tag        TEXT PRIMARY KEY,
			metric     INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS applied_batches (
			batch_key  TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS import_cursor (
			id         INTEGER PRIMARY KEY,
			token      TEXT NOT NULL,
			version    INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT '',
			owner_id   TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Write applies a batch of entities, skipping batches whose ledger key
// was already applied.
func (s *Store) Write(ctx context.Context, batch importer.Batch) error {
	if s == nil || s.db == nil {
		return importer.Fatalf("sqlite sink is not configured")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return importer.Transientf("begin batch tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_batches (batch_key, applied_at) VALUES (?, ?)
		 ON CONFLICT(batch_key) DO NOTHING`,
		batch.LedgerKey(), formatTime(time.Now()))
	if err != nil {
		return importer.Transientf("record batch key: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, e := range batch.Entities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO hashtags (tag, metric, first_seen, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tag) DO UPDATE SET
				metric = metric + excluded.metric,
				first_seen = MIN(first_seen, excluded.first_seen),
				last_seen = MAX(last_seen, excluded.last_seen)`,
			e.CanonicalTag, e.Metric, formatTime(e.FirstSeen), formatTime(e.LastSeen)); err != nil {
			return importer.Transientf("upsert hashtag %q: %v", e.CanonicalTag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return importer.Transientf("commit batch tx: %v", err)
	}
	return nil
}

// Entity is a stored hashtag row, exposed for inspection and tests.
type Entity struct {
	Tag       string
	Metric    int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// GetEntity returns the stored row for tag, or false when absent.
func (s *Store) GetEntity(ctx context.Context, tag string) (Entity, bool, error) {
	var (
		e                   Entity
		firstSeen, lastSeen string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tag, metric, first_seen, last_seen FROM hashtags WHERE tag = ?`, tag).
		Scan(&e.Tag, &e.Metric, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("get entity: %w", err)
	}
	if e.FirstSeen, err = parseTime(firstSeen); err != nil {
		return Entity{}, false, fmt.Errorf("parse first_seen: %w", err)
	}
	if e.LastSeen, err = parseTime(lastSeen); err != nil {
		return Entity{}, false, fmt.Errorf("parse last_seen: %w", err)
	}
	return e, true, nil
}

// CursorStore persists the import cursor in a single sqlite row. The
// owner id records which process instance last advanced the cursor.
type CursorStore struct {
	db    *sql.DB
	owner string
}

// NewCursorStore builds a cursor store sharing the sink's database.
func NewCursorStore(store *Store, owner string) (*CursorStore, error) {
	if store == nil || store.db == nil {
		return nil, errors.New("sqlite store is required")
	}
	return &CursorStore{db: store.db, owner: owner}, nil
}

// Load returns the persisted cursor, or the start cursor when no row exists.
func (c *CursorStore) Load(ctx context.Context) (importer.Cursor, error) {
	var cursor importer.Cursor
	err := c.db.QueryRowContext(ctx,
		`SELECT token, version FROM import_cursor WHERE id = 1`).
		Scan(&cursor.Token, &cursor.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return importer.StartCursor(), nil
	}
	if err != nil {
		return importer.Cursor{}, importer.Transientf("load cursor: %v", err)
	}
	return cursor, nil
}

// Save persists the cursor, accepting a re-save of the stored version
// or an advance by exactly one.
func (c *CursorStore) Save(ctx context.Context, cursor importer.Cursor) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO import_cursor (id, token, version, updated_at, owner_id)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			version = excluded.version,
			updated_at = excluded.updated_at,
			owner_id = excluded.owner_id
		WHERE import_cursor.version = excluded.version
		   OR import_cursor.version + 1 = excluded.version`,
		cursor.Token, cursor.Version, formatTime(time.Now()), c.owner)
	if err != nil {
		return importer.Transientf("save cursor: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save cursor at version %d: %w", cursor.Version, importer.ErrStaleCursor)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
