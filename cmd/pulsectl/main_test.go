package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/settings"
	"pulse/internal/testsupport"
)

func newTestCLI(t *testing.T) *cli {
	t.Helper()
	_, services := testsupport.CreateTestApp(t)
	return &cli{services: services, migrate: func() error { return nil }}
}

func run(t *testing.T, c *cli, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return out.Bytes(), err
}

func TestUpdateInput(t *testing.T) {
	input, err := updateInput(settings.KeyRetentionDays, "90")
	require.NoError(t, err)
	require.NotNil(t, input.RetentionDays)
	assert.Equal(t, 90, *input.RetentionDays)

	input, err = updateInput(settings.KeyExcludeBots, "false")
	require.NoError(t, err)
	require.NotNil(t, input.ExcludeBots)
	assert.False(t, *input.ExcludeBots)

	_, err = updateInput(settings.KeyAnalyticsEnabled, "maybe")
	assert.ErrorIs(t, err, settings.ErrInvalidSetting)

	_, err = updateInput(settings.KeyLastAggregation, "2025-01-01T00:00:00Z")
	assert.ErrorIs(t, err, settings.ErrInvalidSetting)
}

func TestSettingsCommands(t *testing.T) {
	c := newTestCLI(t)

	out, err := run(t, c, "settings", "set", "retention_days", "14")
	require.NoError(t, err)
	var snap settings.Snapshot
	require.NoError(t, json.Unmarshal(out, &snap))
	assert.Equal(t, 14, snap.RetentionDays)

	out, err = run(t, c, "settings", "get", "retention_days")
	require.NoError(t, err)
	var values map[string]string
	require.NoError(t, json.Unmarshal(out, &values))
	assert.Equal(t, map[string]string{"retention_days": "14"}, values)

	_, err = run(t, c, "settings", "get", "colour")
	assert.Error(t, err)

	_, err = run(t, c, "settings", "set", "retention_days")
	assert.Error(t, err)
}

func TestAggregateAndStatus(t *testing.T) {
	c := newTestCLI(t)
	day := time.Now().UTC().AddDate(0, 0, -3)
	testsupport.CreateEvent(t, c.services.DBManager, "s1", "/", day)
	testsupport.CreateEvent(t, c.services.DBManager, "s2", "/docs", day.Add(time.Minute))

	out, err := run(t, c, "aggregate", "--rebuild-from", day.Format("2006-01-02"))
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 2.0, result["events"])
	assert.Equal(t, 2.0, result["daily_rows"])

	out, err = run(t, c, "stats", "--type", "pages")
	require.NoError(t, err)
	var pages []map[string]any
	require.NoError(t, json.Unmarshal(out, &pages))
	assert.Len(t, pages, 2)

	out, err = run(t, c, "status")
	require.NoError(t, err)
	var st status
	require.NoError(t, json.Unmarshal(out, &st))
	assert.Equal(t, int64(2), st.Events)
	assert.NotEmpty(t, st.LastAggregation)
	assert.Empty(t, st.LastCleanup)

	_, err = run(t, c, "aggregate", "--rebuild-from", "last week")
	assert.Error(t, err)
	_, err = run(t, c, "stats", "--type", "funnels")
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	c := newTestCLI(t)

	out, err := run(t, c, "sweep")
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, 0.0, result["deleted"])

	_, ok, err := c.services.Settings.LastCleanup()
	require.NoError(t, err)
	assert.True(t, ok)
}
