package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagpipe/hashtag-importer/internal/importer"
)

func TestWriteMergesEntities(t *testing.T) {
	store := New()
	ctx := context.Background()

	day1 := time.Date(2025, 8, 18, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Write(ctx, importer.Batch{
		Entities:  []importer.Entity{{CanonicalTag: "golang", Metric: 5, FirstSeen: day1, LastSeen: day1}},
		Cursor:    importer.Cursor{Token: "a", Version: 1},
		NextToken: "b",
	}))
	require.NoError(t, store.Write(ctx, importer.Batch{
		Entities:  []importer.Entity{{CanonicalTag: "golang", Metric: 3, FirstSeen: day2, LastSeen: day2}},
		Cursor:    importer.Cursor{Token: "b", Version: 2},
		NextToken: "c",
	}))

	e, ok := store.Get("golang")
	require.True(t, ok)
	assert.Equal(t, int64(8), e.Metric)
	assert.Equal(t, day1, e.FirstSeen)
	assert.Equal(t, day2, e.LastSeen)
	assert.Equal(t, 2, store.Writes())
}

func TestWriteSkipsAppliedBatch(t *testing.T) {
	store := New()
	ctx := context.Background()

	now := time.Date(2025, 8, 19, 10, 0, 0, 0, time.UTC)
	batch := importer.Batch{
		Entities:  []importer.Entity{{CanonicalTag: "golang", Metric: 5, FirstSeen: now, LastSeen: now}},
		Cursor:    importer.Cursor{Token: "a", Version: 1},
		NextToken: "b",
	}

	require.NoError(t, store.Write(ctx, batch))
	require.NoError(t, store.Write(ctx, batch))

	e, ok := store.Get("golang")
	require.True(t, ok)
	assert.Equal(t, int64(5), e.Metric)
	assert.Equal(t, 1, store.Writes())
}

func TestCursorVersionRules(t *testing.T) {
	cursors := NewCursorStore()
	ctx := context.Background()

	cursor, err := cursors.Load(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.IsStart())

	require.NoError(t, cursors.Save(ctx, importer.Cursor{Token: "a", Version: 1}))
	require.NoError(t, cursors.Save(ctx, importer.Cursor{Token: "a", Version: 1}))
	require.NoError(t, cursors.Save(ctx, importer.Cursor{Token: "b", Version: 2}))

	err = cursors.Save(ctx, importer.Cursor{Token: "z", Version: 7})
	require.ErrorIs(t, err, importer.ErrStaleCursor)

	loaded, err := cursors.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, importer.Cursor{Token: "b", Version: 2}, loaded)
}
