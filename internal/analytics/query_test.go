package analytics_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pulse/internal/analytics"
	"pulse/internal/testsupport"
	"pulse/internal/timeframe"
)

func seededDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)

	require.NoError(t, db.Create(&[]analytics.DailyStat{
		// previous window: 2025-05-01..2025-05-07
		{Date: "2025-05-03", PageURL: "/", PageTitle: "Home", Views: 50, UniqueVisitors: 20, AvgTimeOnPage: 10, BounceRate: 40},
		// current window: 2025-05-08..2025-05-14
		{Date: "2025-05-08", PageURL: "/", PageTitle: "Home", Views: 60, UniqueVisitors: 30, AvgTimeOnPage: 20, BounceRate: 50},
		{Date: "2025-05-10", PageURL: "/", PageTitle: "Home", Views: 40, UniqueVisitors: 10, AvgTimeOnPage: 30, BounceRate: 30},
		{Date: "2025-05-10", PageURL: "/pricing", PageTitle: "Pricing", Views: 25, UniqueVisitors: 5, AvgTimeOnPage: 15.555, BounceRate: 0},
		// outside both
		{Date: "2025-05-15", PageURL: "/", Views: 999, UniqueVisitors: 999},
	}).Error)

	require.NoError(t, db.Create(&[]analytics.ReferrerStat{
		{Date: "2025-05-08", ReferrerDomain: "google.com", PageURL: "/", Visits: 10, UniqueVisitors: 8},
		{Date: "2025-05-09", ReferrerDomain: "google.com", PageURL: "/pricing", Visits: 5, UniqueVisitors: 5},
		{Date: "2025-05-09", ReferrerDomain: "news.ycombinator.com", PageURL: "/", Visits: 12, UniqueVisitors: 12},
	}).Error)

	require.NoError(t, db.Create(&[]analytics.DeviceStat{
		{Date: "2025-05-08", DeviceType: "mobile", Browser: "Safari", OS: "iOS", Views: 30, UniqueVisitors: 10},
		{Date: "2025-05-09", DeviceType: "desktop", Browser: "Chrome", OS: "Windows", Views: 70, UniqueVisitors: 20},
	}).Error)

	require.NoError(t, db.Create(&[]analytics.GeoStat{
		{Date: "2025-05-08", CountryCode: "DE", City: "Berlin", Views: 3, UniqueVisitors: 2},
		{Date: "2025-05-09", CountryCode: "US", City: "", Views: 9, UniqueVisitors: 4},
	}).Error)
	return db
}

func mayRange(t *testing.T, first, last int) analytics.QueryParams {
	t.Helper()
	r, err := timeframe.NewDateRange(
		time.Date(2025, 5, first, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 5, last, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return analytics.QueryParams{Range: r}
}

func TestParseStatType(t *testing.T) {
	tests := map[string]analytics.StatType{
		"":           analytics.StatOverview,
		"overview":   analytics.StatOverview,
		"Pages":      analytics.StatPages,
		" referrers": analytics.StatReferrers,
		"devices":    analytics.StatDevices,
		"geo":        analytics.StatGeo,
	}
	for raw, want := range tests {
		got, err := analytics.ParseStatType(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := analytics.ParseStatType("browsers")
	assert.ErrorIs(t, err, analytics.ErrInvalidStatType)
}

func TestParseChartType(t *testing.T) {
	got, err := analytics.ParseChartType("")
	require.NoError(t, err)
	assert.Equal(t, analytics.ChartPageviews, got)

	got, err = analytics.ParseChartType("BOTH")
	require.NoError(t, err)
	assert.Equal(t, analytics.ChartBoth, got)

	_, err = analytics.ParseChartType("pie")
	assert.ErrorIs(t, err, analytics.ErrInvalidChartType)
}

func TestOverview(t *testing.T) {
	db := seededDB(t)

	stats, err := analytics.Overview(context.Background(), db, mayRange(t, 8, 14))
	require.NoError(t, err)

	assert.Equal(t, int64(125), stats.TotalViews)
	assert.Equal(t, int64(45), stats.TotalUniqueVisitors)
	assert.Equal(t, int64(2), stats.UniquePages)
	assert.Equal(t, 21.85, stats.AvgTimeOnPage)
	assert.Equal(t, 26.67, stats.AvgBounceRate)
	assert.Equal(t, analytics.Period{Start: "2025-05-08", End: "2025-05-14"}, stats.Period)

	// The comparison window has the same length and ends the day before.
	assert.Equal(t, analytics.Period{Start: "2025-05-01", End: "2025-05-07"}, stats.Comparison.Period)
	assert.Equal(t, int64(50), stats.Comparison.TotalViews)
	require.NotNil(t, stats.Comparison.Changes.ViewsChange)
	assert.Equal(t, 150.0, *stats.Comparison.Changes.ViewsChange)
	assert.Equal(t, 125.0, *stats.Comparison.Changes.VisitorsChange)

	t.Run("filters by page", func(t *testing.T) {
		params := mayRange(t, 8, 14)
		params.PageURL = "/pricing"
		stats, err := analytics.Overview(context.Background(), db, params)
		require.NoError(t, err)
		assert.Equal(t, int64(25), stats.TotalViews)
		assert.Equal(t, 15.56, stats.AvgTimeOnPage)
		assert.Nil(t, stats.Comparison.Changes.ViewsChange, "no previous data")
	})

	t.Run("empty range returns zeros", func(t *testing.T) {
		stats, err := analytics.Overview(context.Background(), db, mayRange(t, 20, 21))
		require.NoError(t, err)
		assert.Zero(t, stats.TotalViews)
		assert.Zero(t, stats.AvgBounceRate)
	})
}

func TestPages(t *testing.T) {
	db := seededDB(t)

	rows, err := analytics.Pages(db, mayRange(t, 8, 14))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "/", rows[0].PageURL)
	assert.Equal(t, "Home", rows[0].PageTitle)
	assert.Equal(t, int64(100), rows[0].Views)
	assert.Equal(t, int64(40), rows[0].UniqueVisitors)
	assert.Equal(t, 25.0, rows[0].AvgTimeOnPage)
	assert.Equal(t, 40.0, rows[0].BounceRate)

	assert.Equal(t, "/pricing", rows[1].PageURL)
}

func TestPagesLimit(t *testing.T) {
	dbManager, _ := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	testsupport.CleanAllTables(db)

	for i := 0; i < analytics.PagesLimit+5; i++ {
		require.NoError(t, db.Create(&analytics.DailyStat{Date: "2025-05-08", PageURL: fmt.Sprintf("/p/%03d", i), Views: int64(i)}).Error)
	}

	rows, err := analytics.Pages(db, mayRange(t, 8, 8))
	require.NoError(t, err)
	assert.Len(t, rows, analytics.PagesLimit)
	assert.Equal(t, fmt.Sprintf("/p/%03d", analytics.PagesLimit+4), rows[0].PageURL)
}

func TestReferrers(t *testing.T) {
	db := seededDB(t)

	rows, err := analytics.Referrers(db, mayRange(t, 8, 14))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "google.com", rows[0].ReferrerDomain)
	assert.Equal(t, "Google", rows[0].Name)
	assert.Equal(t, int64(15), rows[0].Visits)
	assert.Equal(t, "news.ycombinator.com", rows[1].ReferrerDomain)

	params := mayRange(t, 8, 14)
	params.PageURL = "/pricing"
	rows, err = analytics.Referrers(db, params)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0].Visits)
}

func TestDevicesAndGeo(t *testing.T) {
	db := seededDB(t)
	params := mayRange(t, 8, 14)

	devices, err := analytics.Devices(db, params)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Desktop", devices[0].DeviceLabel)
	assert.Equal(t, "Chrome", devices[0].BrowserLabel)
	assert.Equal(t, "iOS", devices[1].OSLabel)

	geo, err := analytics.Geo(db, params)
	require.NoError(t, err)
	require.Len(t, geo, 2)
	assert.Equal(t, "US", geo[0].CountryCode)
	assert.Equal(t, "United States", geo[0].CountryName)
	assert.Equal(t, "Germany", geo[1].CountryName)
}

func TestStatsDispatch(t *testing.T) {
	db := seededDB(t)
	params := mayRange(t, 8, 14)

	data, err := analytics.Stats(context.Background(), db, analytics.StatPages, params)
	require.NoError(t, err)
	assert.IsType(t, []analytics.PageStat{}, data)

	data, err = analytics.Stats(context.Background(), db, analytics.StatOverview, params)
	require.NoError(t, err)
	assert.IsType(t, &analytics.OverviewStats{}, data)

	_, err = analytics.Stats(context.Background(), db, analytics.StatType(42), params)
	assert.ErrorIs(t, err, analytics.ErrInvalidStatType)
}

func TestChart(t *testing.T) {
	db := seededDB(t)

	chart, err := analytics.Chart(db, mayRange(t, 8, 11), analytics.ChartBoth)
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-05-08", "2025-05-09", "2025-05-10", "2025-05-11"}, chart.Labels)
	assert.Equal(t, 4, chart.TotalPoints)
	require.Len(t, chart.Datasets, 2)
	assert.Equal(t, []int64{60, 0, 65, 0}, chart.Datasets[0].Data)
	assert.Equal(t, []int64{30, 0, 15, 0}, chart.Datasets[1].Data)

	chart, err = analytics.Chart(db, mayRange(t, 8, 8), analytics.ChartVisitors)
	require.NoError(t, err)
	require.Len(t, chart.Datasets, 1)
	assert.Equal(t, "Unique Visitors", chart.Datasets[0].Label)
}
