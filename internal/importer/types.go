// Package importer defines the core types and contracts of the hashtag
// ingestion pipeline shared across subsystems.
package importer

import "time"

// RawRecord is a hashtag observation as received from the source.
// Instances are ephemeral: created per fetch, discarded after normalization.
type RawRecord struct {
	Tag        string
	Metric     int64
	ObservedAt time.Time
	SourceID   string
}

// Entity is the normalized, deduplicated form of one hashtag.
// CanonicalTag is the dedup key and is never empty.
type Entity struct {
	CanonicalTag string
	Metric       int64
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Cursor marks ingestion progress. Token is opaque and source-defined;
// Version increases by one on every successful save and rejects stale
// concurrent writers.
type Cursor struct {
	Token   string
	Version uint64
}

// StartCursor returns the sentinel cursor used before anything was imported.
func StartCursor() Cursor {
	return Cursor{}
}

// IsStart reports whether the cursor is the start sentinel.
func (c Cursor) IsStart() bool {
	return c.Token == "" && c.Version == 0
}

// Batch is the atomic unit of write work: either every entity is durably
// written and the cursor advances, or neither happens. Cursor is the cursor
// that produced the batch; its token doubles as the sink ledger key so a
// re-delivered batch is recognized and not applied twice. NextToken is the
// token persisted once the batch commits.
type Batch struct {
	Entities  []Entity
	Cursor    Cursor
	NextToken string
}

// LedgerKey identifies the batch in the sink's applied-batch ledger.
func (b Batch) LedgerKey() string {
	if b.Cursor.IsStart() {
		return "start"
	}
	return b.Cursor.Token
}

// Totals accumulates lifetime record counters for the exit summary.
type Totals struct {
	Fetched int64
	Written int64
	Deduped int64
	Dropped int64
}

// ImportState is the process-wide ingestion state. It is owned by the Pump:
// loaded at startup, mutated once per cycle, and summarized on exit. No
// other component mutates it.
type ImportState struct {
	Cursor              Cursor
	ConsecutiveFailures int
	LastSuccess         time.Time
	Totals              Totals
}
