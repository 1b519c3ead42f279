package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/events"
	"pulse/internal/testsupport"
)

func newStore(t *testing.T) (*events.Store, *testsupport.TestDBManager) {
	t.Helper()
	dbManager, logger := testsupport.SetupTestDBManager(t)
	testsupport.CleanAllTables(dbManager.GetConnection())
	return events.NewStore(dbManager, logger), dbManager
}

func TestStoreAppend(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, &events.Event{PageURL: "/a", SessionID: "s1", IPHash: "h"})
	require.NoError(t, err)
	second, err := store.Append(ctx, &events.Event{PageURL: "/b", SessionID: "s1", IPHash: "h"})
	require.NoError(t, err)

	assert.NotZero(t, first)
	assert.Greater(t, second, first)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStoreAppendBatch(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	batch := make([]*events.Event, 0, 450)
	for i := 0; i < 450; i++ {
		batch = append(batch, &events.Event{PageURL: "/batch", SessionID: "s", IPHash: "h"})
	}
	require.NoError(t, store.AppendBatch(ctx, batch))
	require.NoError(t, store.AppendBatch(ctx, nil))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(450), count)
	for _, event := range batch {
		assert.NotZero(t, event.ID)
		assert.False(t, event.CreatedAt.IsZero())
	}
}

func TestStoreQueries(t *testing.T) {
	store, dbManager := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	testsupport.CreateEvent(t, dbManager, "s1", "/a", base)
	testsupport.CreateEvent(t, dbManager, "s1", "/b", base.Add(time.Hour))
	testsupport.CreateEvent(t, dbManager, "s2", "/a", base.Add(2*time.Hour))

	t.Run("recent is exclusive of since", func(t *testing.T) {
		rows, err := store.QueryRecent(ctx, base)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "/b", rows[0].PageURL)
	})

	t.Run("window days are (after, upTo]", func(t *testing.T) {
		days, err := store.DaysInWindow(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, days, 1)
		assert.True(t, days[0].Day.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, 1, days[0].Events)
	})

	t.Run("range is [from, to)", func(t *testing.T) {
		rows, err := store.QueryRange(ctx, base, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("distinct sessions", func(t *testing.T) {
		n, err := store.CountDistinctSessions(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = store.CountDistinctSessions(ctx, base.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("recent view lookup", func(t *testing.T) {
		seen, err := store.HasRecentView(ctx, "s1", "/a", base)
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = store.HasRecentView(ctx, "s1", "/a", base.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, seen)

		seen, err = store.HasRecentView(ctx, "s2", "/b", base)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("window days group by utc day", func(t *testing.T) {
		testsupport.CreateEvent(t, dbManager, "s3", "/c", time.Date(2025, 3, 11, 0, 0, 5, 0, time.UTC))
		testsupport.CreateEvent(t, dbManager, "s3", "/d", time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC))

		days, err := store.DaysInWindow(ctx, base.Add(-time.Second), base.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, days, 2)
		assert.Equal(t, "2025-03-10", days[0].Day.Format(time.DateOnly))
		assert.Equal(t, 3, days[0].Events)
		assert.Equal(t, "2025-03-11", days[1].Day.Format(time.DateOnly))
		assert.Equal(t, 2, days[1].Events)
	})
}

func TestStoreDeleteOlderThan(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	old := make([]*events.Event, 0, events.DeleteBatchSize+5)
	for i := 0; i < events.DeleteBatchSize+5; i++ {
		old = append(old, &events.Event{PageURL: "/old", SessionID: "s", IPHash: "h", CreatedAt: cutoff.Add(-time.Duration(i+1) * time.Minute)})
	}
	require.NoError(t, store.AppendBatch(ctx, old))
	require.NoError(t, store.AppendBatch(ctx, []*events.Event{
		{PageURL: "/edge", SessionID: "s", IPHash: "h", CreatedAt: cutoff},
		{PageURL: "/new", SessionID: "s", IPHash: "h", CreatedAt: cutoff.Add(time.Hour)},
	}))

	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(events.DeleteBatchSize+5), deleted)

	rows, err := store.QueryRange(ctx, time.Time{}, cutoff.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "/edge", rows[0].PageURL)

	t.Run("cancelled context stops before deleting", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		deleted, err := store.DeleteOlderThan(cancelled, cutoff.Add(48*time.Hour))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, deleted)
	})
}
