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

func pageview(session, page string, at time.Time) *events.Event {
	return &events.Event{PageURL: page, SessionID: session, IPHash: "h", CreatedAt: at}
}

func TestBufferThresholdFlush(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	buffer := events.NewBuffer(store, 10, 3, testsupport.GetLogger(), nil)
	now := time.Now().UTC()

	require.NoError(t, buffer.Add(ctx, pageview("s", "/1", now)))
	require.NoError(t, buffer.Add(ctx, pageview("s", "/2", now)))
	assert.Equal(t, 2, buffer.Len())

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, buffer.Add(ctx, pageview("s", "/3", now)))
	assert.Zero(t, buffer.Len())

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err := buffer.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBufferHasPending(t *testing.T) {
	store, _ := newStore(t)
	buffer := events.NewBuffer(store, 10, 10, testsupport.GetLogger(), nil)
	now := time.Now().UTC()

	require.NoError(t, buffer.Add(context.Background(), pageview("s", "/a", now)))

	assert.True(t, buffer.HasPending("s", "/a", now.Add(-time.Hour)))
	assert.True(t, buffer.HasPending("s", "/a", now))
	assert.False(t, buffer.HasPending("s", "/a", now.Add(time.Second)))
	assert.False(t, buffer.HasPending("other", "/a", now.Add(-time.Hour)))
	assert.False(t, buffer.HasPending("s", "/b", now.Add(-time.Hour)))
}

func TestBufferKeepsEventsWhenFlushFails(t *testing.T) {
	store, dbManager := newStore(t)
	ctx := context.Background()
	db := dbManager.GetConnection()
	buffer := events.NewBuffer(store, 2, 2, testsupport.GetLogger(), nil)
	now := time.Now().UTC()

	require.NoError(t, db.Migrator().DropTable(&events.Event{}))

	require.NoError(t, buffer.Add(ctx, pageview("s", "/1", now)))
	require.NoError(t, buffer.Add(ctx, pageview("s", "/2", now)), "threshold flush failure is not the caller's error")
	assert.Equal(t, 2, buffer.Len())

	err := buffer.Add(ctx, pageview("s", "/3", now))
	assert.ErrorIs(t, err, events.ErrBufferFull)
	assert.Equal(t, 2, buffer.Len())

	_, err = buffer.Flush(ctx)
	assert.ErrorIs(t, err, events.ErrStorage)
	assert.Equal(t, 2, buffer.Len())

	require.NoError(t, db.AutoMigrate(&events.Event{}))

	n, err := buffer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, buffer.Len())

	rows, err := store.QueryRecent(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "/1", rows[0].PageURL)
}
