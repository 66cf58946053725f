package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeSource serves scripted pages keyed by cursor token, optionally
// returning queued errors for a token first.
type fakeSource struct {
	mu      sync.Mutex
	pages   map[string]FetchResult
	errs    map[string][]error
	fetches []string
	onEmpty func()
}

func (s *fakeSource) Fetch(_ context.Context, cursor Cursor, _ int) (FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := cursor.Token
	s.fetches = append(s.fetches, token)
	if q := s.errs[token]; len(q) > 0 {
		err := q[0]
		s.errs[token] = q[1:]
		return FetchResult{}, err
	}
	page, ok := s.pages[token]
	if !ok {
		if s.onEmpty != nil {
			s.onEmpty()
		}
		return FetchResult{NextToken: token}, nil
	}
	return page, nil
}

type fakeSink struct {
	mu      sync.Mutex
	applied map[string]struct{}
	metrics map[string]int64
	writes  int
	errs    []error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		applied: make(map[string]struct{}),
		metrics: make(map[string]int64),
	}
}

func (s *fakeSink) Write(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	if _, done := s.applied[batch.LedgerKey()]; done {
		return nil
	}
	s.applied[batch.LedgerKey()] = struct{}{}
	s.writes++
	for _, e := range batch.Entities {
		s.metrics[e.CanonicalTag] += e.Metric
	}
	return nil
}

func (s *fakeSink) Close() {}

type fakeCursorStore struct {
	mu       sync.Mutex
	cursor   Cursor
	saved    bool
	loadErr  error
	saveErrs []error
	saves    []Cursor
}

func (c *fakeCursorStore) Load(context.Context) (Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return Cursor{}, c.loadErr
	}
	if !c.saved {
		return StartCursor(), nil
	}
	return c.cursor, nil
}

func (c *fakeCursorStore) Save(_ context.Context, cursor Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saveErrs) > 0 {
		err := c.saveErrs[0]
		c.saveErrs = c.saveErrs[1:]
		return err
	}
	if c.saved && cursor.Version != c.cursor.Version && cursor.Version != c.cursor.Version+1 {
		return fmt.Errorf("save cursor at version %d: %w", cursor.Version, ErrStaleCursor)
	}
	c.cursor = cursor
	c.saved = true
	c.saves = append(c.saves, cursor)
	return nil
}

type fakeLifecycle struct {
	mu    sync.Mutex
	ready bool
	live  bool
}

func (l *fakeLifecycle) SetReady(ready bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = ready
}

func (l *fakeLifecycle) SetLive(live bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live = live
}

type fakePublisher struct {
	mu     sync.Mutex
	events []BatchEvent
}

func (p *fakePublisher) Publish(_ context.Context, event BatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// sleep returns immediately so tests never wait, but still surfaces
// cancellation exactly like the real context sleep.
func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func records(from, to int) []RawRecord {
	observed := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)
	out := make([]RawRecord, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, RawRecord{
			Tag:        fmt.Sprintf("tag%03d", i),
			Metric:     1,
			ObservedAt: observed,
			SourceID:   "test",
		})
	}
	return out
}

func newTestPump(source Source, sink Sink, cursors CursorStore, pub Publisher, lc Lifecycle, cfg PumpConfig) (*Pump, *sleepRecorder) {
	clk := &fakeClock{now: time.Date(2025, 8, 19, 12, 0, 0, 0, time.UTC)}
	pump := NewPump(
		source,
		NewNormalizer(clk),
		sink,
		cursors,
		pub,
		lc,
		&Backoff{Base: time.Millisecond, Max: 8 * time.Millisecond},
		clk,
		cfg,
		nil,
	)
	rec := &sleepRecorder{}
	pump.sleep = rec.sleep
	return pump, rec
}

func TestPumpImportsBacklogThenStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{
		pages: map[string]FetchResult{
			"":    {Records: records(0, 200), NextToken: "200"},
			"200": {Records: records(200, 250), NextToken: "250"},
		},
		onEmpty: cancel,
	}
	sink := newFakeSink()
	cursors := &fakeCursorStore{}
	pub := &fakePublisher{}
	lc := &fakeLifecycle{live: true}

	pump, rec := newTestPump(source, sink, cursors, pub, lc, PumpConfig{
		Interval: time.Minute,
		PageSize: 200,
	})

	require.NoError(t, pump.Run(ctx))

	// Both pages fetched, then the empty page triggered shutdown.
	assert.Equal(t, []string{"", "200", "250"}, source.fetches)

	// The full first page was followed immediately by the next fetch; the
	// only sleeps are the idle intervals after the two non-full cycles.
	require.Len(t, rec.delays, 2)
	assert.Equal(t, time.Minute, rec.delays[0])

	assert.Equal(t, 2, sink.writes)
	assert.Len(t, sink.metrics, 250)
	assert.Equal(t, int64(1), sink.metrics["tag000"])
	assert.Equal(t, int64(1), sink.metrics["tag249"])

	assert.Equal(t, Cursor{Token: "250", Version: 2}, cursors.cursor)

	state := pump.State()
	assert.Equal(t, int64(250), state.Totals.Fetched)
	assert.Equal(t, int64(250), state.Totals.Written)
	assert.Zero(t, state.ConsecutiveFailures)

	require.Len(t, pub.events, 2)
	assert.Equal(t, "start", pub.events[0].ID)
	assert.Equal(t, 200, pub.events[0].Entities)
	assert.Equal(t, "200", pub.events[1].ID)
	assert.Equal(t, 50, pub.events[1].Entities)

	assert.True(t, lc.ready)
	assert.True(t, lc.live, "graceful shutdown leaves liveness intact")
}

func TestPumpRetriesTransientThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{
		pages: map[string]FetchResult{
			"": {Records: records(0, 10), NextToken: "10"},
		},
		errs: map[string][]error{
			"": {Transientf("connection reset"), Transientf("connection reset")},
		},
		onEmpty: cancel,
	}
	sink := newFakeSink()
	cursors := &fakeCursorStore{}
	lc := &fakeLifecycle{live: true}

	pump, rec := newTestPump(source, sink, cursors, nil, lc, PumpConfig{
		Interval: time.Minute,
		PageSize: 200,
	})

	require.NoError(t, pump.Run(ctx))

	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, Cursor{Token: "10", Version: 1}, cursors.cursor)
	assert.Zero(t, pump.State().ConsecutiveFailures, "failure streak resets on success")

	// First two sleeps are the doubling backoff, the rest idle intervals.
	require.GreaterOrEqual(t, len(rec.delays), 2)
	assert.Equal(t, time.Millisecond, rec.delays[0])
	assert.Equal(t, 2*time.Millisecond, rec.delays[1])
}

func TestPumpEscalatesAfterTransientCeiling(t *testing.T) {
	transients := make([]error, 10)
	for i := range transients {
		transients[i] = Transientf("still down")
	}
	source := &fakeSource{errs: map[string][]error{"": transients}}
	sink := newFakeSink()
	lc := &fakeLifecycle{live: true}

	pump, _ := newTestPump(source, sink, &fakeCursorStore{}, nil, lc, PumpConfig{
		Interval:               time.Minute,
		PageSize:               200,
		MaxConsecutiveFailures: 3,
	})

	err := pump.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Len(t, source.fetches, 4, "ceiling plus one attempt before escalating")
	assert.Zero(t, sink.writes)
	assert.False(t, lc.live)
}

func TestPumpHaltsOnFatalError(t *testing.T) {
	source := &fakeSource{errs: map[string][]error{"": {Fatalf("unauthorized")}}}
	sink := newFakeSink()
	lc := &fakeLifecycle{live: true}

	pump, _ := newTestPump(source, sink, &fakeCursorStore{}, nil, lc, PumpConfig{})

	err := pump.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Len(t, source.fetches, 1)
	assert.Zero(t, sink.writes)
	assert.False(t, lc.live)
	assert.True(t, lc.ready, "readiness was reached before the fatal fetch")
}

func TestPumpHaltsWhenCursorLoadFails(t *testing.T) {
	cursors := &fakeCursorStore{loadErr: errors.New("database unreachable")}
	lc := &fakeLifecycle{live: true}

	pump, _ := newTestPump(&fakeSource{}, newFakeSink(), cursors, nil, lc, PumpConfig{})

	err := pump.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, lc.ready)
	assert.False(t, lc.live)
}

func TestPumpStaleCursorIsFatal(t *testing.T) {
	source := &fakeSource{
		pages: map[string]FetchResult{
			"": {Records: records(0, 10), NextToken: "10"},
		},
	}
	cursors := &fakeCursorStore{
		saveErrs: []error{fmt.Errorf("save: %w", ErrStaleCursor)},
	}
	lc := &fakeLifecycle{live: true}

	pump, _ := newTestPump(source, newFakeSink(), cursors, nil, lc, PumpConfig{})

	err := pump.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrStaleCursor)
	assert.False(t, lc.live)
}

// A crash after the batch is durable but before the cursor save lands
// redelivers the same batch on restart. The sink's ledger makes the
// redelivery a no-op, so metrics are never double-counted.
func TestPumpCrashBeforeCommitIsIdempotent(t *testing.T) {
	source := &fakeSource{
		pages: map[string]FetchResult{
			"": {Records: records(0, 10), NextToken: "10"},
		},
	}
	sink := newFakeSink()
	cursors := &fakeCursorStore{}

	// Every cursor save fails, so the first run writes the batch and
	// then halts with the cursor still at start.
	for i := 0; i < 10; i++ {
		cursors.saveErrs = append(cursors.saveErrs, Transientf("cursor store down"))
	}
	pump, _ := newTestPump(source, sink, cursors, nil, nil, PumpConfig{
		MaxConsecutiveFailures: 2,
	})
	err := pump.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, sink.writes)
	assert.False(t, cursors.saved, "cursor never advanced")

	// Restart: the same page is fetched and redelivered to the sink.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source.onEmpty = cancel
	source.fetches = nil
	cursors.saveErrs = nil

	pump2, _ := newTestPump(source, sink, cursors, nil, nil, PumpConfig{})
	require.NoError(t, pump2.Run(ctx))

	assert.Equal(t, 1, sink.writes, "redelivered batch was not applied twice")
	assert.Equal(t, int64(1), sink.metrics["tag005"], "metric not double-counted")
	assert.Equal(t, Cursor{Token: "10", Version: 1}, cursors.cursor)
}
