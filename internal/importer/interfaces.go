package importer

import (
	"context"
	"time"
)

// FetchResult is one page of raw records plus the token that resumes after
// it. An empty Records slice means the source is exhausted for now; the
// returned token must then equal the requested cursor's token.
type FetchResult struct {
	Records   []RawRecord
	NextToken string
}

// Source fetches bounded pages of raw hashtag records. Fetch must not
// mutate shared state; errors are classified via Transient/Fatal wrappers.
type Source interface {
	Fetch(ctx context.Context, cursor Cursor, limit int) (FetchResult, error)
}

// Sink writes a batch to the downstream store. Write returns nil only after
// the store acknowledged durability of the entire batch. Re-delivering a
// batch with the same ledger key must be a no-op.
type Sink interface {
	Write(ctx context.Context, batch Batch) error
	Close()
}

// CursorStore persists the resumption cursor. Load returns the start
// sentinel when nothing was persisted. Save must be crash-consistent,
// accept re-saving the currently persisted version (idempotent) or
// advancing it by exactly one, and fail any other version with
// ErrStaleCursor: that indicates a second concurrent writer.
type CursorStore interface {
	Load(ctx context.Context) (Cursor, error)
	Save(ctx context.Context, cursor Cursor) error
}

// BatchEvent is published after a batch commits.
type BatchEvent struct {
	ID          string    `json:"id"`
	CursorToken string    `json:"cursor_token"`
	Entities    int       `json:"entities"`
	CommittedAt time.Time `json:"committed_at"`
}

// Publisher pushes committed-batch events to Pub/Sub (or similar).
// Publishing is best-effort and never blocks cursor advancement.
type Publisher interface {
	Publish(ctx context.Context, event BatchEvent) error
	Close() error
}

// Archiver stores raw source payloads for replay and returns a URI.
type Archiver interface {
	Archive(ctx context.Context, key string, contentType string, payload []byte) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// Lifecycle receives readiness/liveness transitions from the Pump.
type Lifecycle interface {
	SetReady(ready bool)
	SetLive(live bool)
}
