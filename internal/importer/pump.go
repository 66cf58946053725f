package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tagpipe/hashtag-importer/internal/metrics"
)

// State is the scheduler's position in the ingestion cycle.
type State string

// Pump states. Backoff is reachable from any step on a transient error;
// Halted is terminal and reachable only on a fatal error or shutdown.
const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateWriting     State = "writing"
	StateCommitting  State = "committing"
	StateBackoff     State = "backoff"
	StateHalted      State = "halted"
)

// PumpConfig controls scheduling behavior.
type PumpConfig struct {
	// Interval is the nominal cadence between cycles when the source is
	// drained. A full page triggers the next cycle immediately.
	Interval time.Duration
	// PageSize bounds how many records one fetch may return.
	PageSize int
	// MaxConsecutiveFailures is the transient-retry ceiling; once crossed
	// the failure escalates to fatal. Zero means the default of 10.
	MaxConsecutiveFailures int
}

func (c PumpConfig) withDefaults() PumpConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	return c
}

// Pump drives the fetch -> normalize -> write -> commit cycle. Exactly one
// cycle is ever in flight; the cursor advances only after the sink reports
// the batch durable. All suspension points honor ctx cancellation.
type Pump struct {
	source     Source
	normalizer *Normalizer
	sink       Sink
	cursors    CursorStore
	publisher  Publisher
	lifecycle  Lifecycle
	backoff    *Backoff
	clock      Clock
	cfg        PumpConfig
	logger     *zap.Logger

	// sleep is replaced in tests so backoff timing runs instantly.
	sleep func(ctx context.Context, d time.Duration) error

	state ImportState
	step  State

	// snap is a copy of state taken after each cycle, safe to read from
	// other goroutines (the status endpoint).
	snapMu sync.RWMutex
	snap   ImportState
}

// NewPump constructs a Pump. publisher and lifecycle may be nil.
func NewPump(
	source Source,
	normalizer *Normalizer,
	sink Sink,
	cursors CursorStore,
	publisher Publisher,
	lifecycle Lifecycle,
	backoff *Backoff,
	clock Clock,
	cfg PumpConfig,
	logger *zap.Logger,
) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pump{
		source:     source,
		normalizer: normalizer,
		sink:       sink,
		cursors:    cursors,
		publisher:  publisher,
		lifecycle:  lifecycle,
		backoff:    backoff,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		sleep:      sleepContext,
		step:       StateIdle,
	}
}

// State returns a snapshot of the import state, taken at the end of the
// most recent cycle. Safe to call from any goroutine.
func (p *Pump) State() ImportState {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap
}

func (p *Pump) publishState() {
	p.snapMu.Lock()
	p.snap = p.state
	p.snapMu.Unlock()
}

// Run loads the cursor and pumps cycles until ctx is cancelled (graceful,
// returns nil) or a fatal error halts ingestion (returns the classified
// error). The final summary is logged either way.
func (p *Pump) Run(ctx context.Context) error {
	cursor, err := p.cursors.Load(ctx)
	if err != nil {
		err = Fatal(fmt.Errorf("load cursor: %w", err))
		p.halt(err)
		return err
	}
	p.state.Cursor = cursor
	p.publishState()
	p.setReady(true)
	p.logger.Info("import state loaded",
		zap.String("cursor", cursor.Token),
		zap.Uint64("cursor_version", cursor.Version),
	)

	for {
		if ctx.Err() != nil {
			return p.shutdown(ctx)
		}

		full, err := p.cycle(ctx)
		switch {
		case err == nil:
			p.state.ConsecutiveFailures = 0
			p.state.LastSuccess = p.clock.Now()
			metrics.SetConsecutiveFailures(0)
			p.publishState()
			if full {
				// Backlog: run the next cycle immediately.
				continue
			}
			p.step = StateIdle
			if serr := p.sleep(ctx, p.cfg.Interval); serr != nil {
				return p.shutdown(ctx)
			}

		case ctx.Err() != nil:
			return p.shutdown(ctx)

		case IsTransient(err):
			p.state.ConsecutiveFailures++
			metrics.SetConsecutiveFailures(p.state.ConsecutiveFailures)
			p.publishState()
			if p.state.ConsecutiveFailures > p.cfg.MaxConsecutiveFailures {
				err = Fatal(fmt.Errorf("transient retries exhausted after %d attempts: %w",
					p.state.ConsecutiveFailures, err))
				p.halt(err)
				return err
			}
			p.step = StateBackoff
			delay := p.backoff.Delay(p.state.ConsecutiveFailures)
			metrics.ObserveBackoffDelay(delay)
			p.logger.Warn("cycle failed, backing off",
				zap.Error(err),
				zap.Int("consecutive_failures", p.state.ConsecutiveFailures),
				zap.Duration("delay", delay),
			)
			if serr := p.sleep(ctx, delay); serr != nil {
				return p.shutdown(ctx)
			}

		default:
			p.halt(err)
			return err
		}
	}
}

// cycle runs one fetch -> normalize -> write -> commit pass. It reports
// whether the page was full (caller drains backlog without waiting).
func (p *Pump) cycle(ctx context.Context) (bool, error) {
	started := p.clock.Now()

	p.step = StateFetching
	result, err := p.source.Fetch(ctx, p.state.Cursor, p.cfg.PageSize)
	if err != nil {
		metrics.ObserveCycle("fetch_error", p.clock.Now().Sub(started))
		return false, fmt.Errorf("fetch: %w", err)
	}
	metrics.AddRecords("fetched", len(result.Records))
	p.state.Totals.Fetched += int64(len(result.Records))

	if len(result.Records) == 0 {
		// Source exhausted; nothing to write, cursor stays put.
		metrics.ObserveCycle("exhausted", p.clock.Now().Sub(started))
		p.logger.Debug("source exhausted", zap.String("cursor", p.state.Cursor.Token))
		return false, nil
	}

	p.step = StateNormalizing
	entities, dropped, deduped := p.normalizer.Normalize(result.Records)
	p.state.Totals.Dropped += int64(dropped)
	p.state.Totals.Deduped += int64(deduped)
	metrics.AddRecords("dropped", dropped)
	metrics.AddRecords("deduped", deduped)

	batch := Batch{
		Entities:  entities,
		Cursor:    p.state.Cursor,
		NextToken: result.NextToken,
	}

	if len(entities) > 0 {
		p.step = StateWriting
		if err := p.sink.Write(ctx, batch); err != nil {
			metrics.ObserveCycle("write_error", p.clock.Now().Sub(started))
			return false, fmt.Errorf("write batch: %w", err)
		}
	}

	p.step = StateCommitting
	next := Cursor{Token: result.NextToken, Version: p.state.Cursor.Version + 1}
	if err := p.commitCursor(ctx, next); err != nil {
		metrics.ObserveCycle("commit_error", p.clock.Now().Sub(started))
		return false, err
	}

	p.state.Cursor = next
	p.state.Totals.Written += int64(len(entities))
	metrics.AddRecords("written", len(entities))
	metrics.SetCursorVersion(next.Version)
	metrics.ObserveCycle("committed", p.clock.Now().Sub(started))

	p.publishCommitted(ctx, batch)

	p.logger.Info("batch committed",
		zap.Int("entities", len(entities)),
		zap.Int("dropped", dropped),
		zap.Int("deduped", deduped),
		zap.String("cursor", next.Token),
		zap.Uint64("cursor_version", next.Version),
	)
	return len(result.Records) >= p.cfg.PageSize, nil
}

// commitCursor persists the advanced cursor. The batch is already durable,
// so a failed save is retried in place: re-saving the cursor has no side
// effects. A stale version means a second writer and is fatal.
func (p *Pump) commitCursor(ctx context.Context, next Cursor) error {
	attempts := 0
	for {
		err := p.cursors.Save(ctx, next)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return fmt.Errorf("save cursor: %w", err)
		}
		attempts++
		if attempts > p.cfg.MaxConsecutiveFailures {
			return Fatal(fmt.Errorf("cursor save retries exhausted: %w", err))
		}
		delay := p.backoff.Delay(attempts)
		p.logger.Warn("cursor save failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
		)
		if serr := p.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("save cursor: %w", serr)
		}
	}
}

func (p *Pump) publishCommitted(ctx context.Context, batch Batch) {
	if p.publisher == nil {
		return
	}
	event := BatchEvent{
		ID:          batch.LedgerKey(),
		CursorToken: batch.NextToken,
		Entities:    len(batch.Entities),
		CommittedAt: p.clock.Now(),
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		// Event delivery never holds up ingestion.
		p.logger.Warn("publish batch event failed", zap.Error(err))
	}
}

// shutdown finishes a graceful stop: persist state best-effort and log the
// summary. The in-flight step already returned before this runs, so the
// sink is never abandoned mid-write.
func (p *Pump) shutdown(ctx context.Context) error {
	p.step = StateHalted
	p.publishState()
	p.persistState(ctx)
	p.logSummary("graceful shutdown")
	return nil
}

// halt records a fatal stop.
func (p *Pump) halt(err error) {
	p.step = StateHalted
	p.publishState()
	p.setLive(false)
	p.logger.Error("ingestion halted", zap.Error(err))
	p.logSummary("halted")
}

// persistState re-saves the current cursor so restarts resume exactly
// where the last committed batch left off. Re-saving the committed version
// is idempotent for every cursor store.
func (p *Pump) persistState(ctx context.Context) {
	if p.state.Cursor.IsStart() {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.cursors.Save(saveCtx, p.state.Cursor); err != nil {
		p.logger.Warn("final state persist failed", zap.Error(err))
	}
}

func (p *Pump) logSummary(reason string) {
	p.logger.Info("import summary",
		zap.String("reason", reason),
		zap.Int64("records_fetched", p.state.Totals.Fetched),
		zap.Int64("entities_written", p.state.Totals.Written),
		zap.Int64("records_deduped", p.state.Totals.Deduped),
		zap.Int64("records_dropped", p.state.Totals.Dropped),
		zap.String("last_cursor", p.state.Cursor.Token),
		zap.Uint64("cursor_version", p.state.Cursor.Version),
	)
}

func (p *Pump) setReady(ready bool) {
	if p.lifecycle != nil {
		p.lifecycle.SetReady(ready)
	}
}

func (p *Pump) setLive(live bool) {
	if p.lifecycle != nil {
		p.lifecycle.SetLive(live)
	}
}

// sleepContext waits for d or until ctx is cancelled, whichever comes
// first. Cancellation wins immediately, which makes Backoff interruptible.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
