package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pulse/internal/pkg/async"
	"pulse/internal/pkg/referrers"
	"pulse/internal/timeframe"
)

const dateLayout = timeframe.DateLayout

// Result limits per breakdown.
const (
	PagesLimit     = 50
	BreakdownLimit = 20
)

var (
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrInvalidStatType  = errors.New("invalid stat type")
	ErrInvalidChartType = errors.New("invalid chart type")
	ErrInvalidPeriod    = errors.New("invalid summary period")
)

// StatType selects one of the query layer breakdowns.
type StatType int

const (
	StatOverview StatType = iota
	StatPages
	StatReferrers
	StatDevices
	StatGeo
)

var statTypeNames = map[StatType]string{
	StatOverview:  "overview",
	StatPages:     "pages",
	StatReferrers: "referrers",
	StatDevices:   "devices",
	StatGeo:       "geo",
}

func (s StatType) String() string {
	return statTypeNames[s]
}

// ParseStatType maps the stat_type query parameter to a StatType. An empty
// value selects the overview.
func ParseStatType(raw string) (StatType, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return StatOverview, nil
	}
	for st, name := range statTypeNames {
		if name == raw {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatType, raw)
}

// ChartType selects the series returned by Chart.
type ChartType string

const (
	ChartPageviews ChartType = "pageviews"
	ChartVisitors  ChartType = "visitors"
	ChartBoth      ChartType = "both"
)

func ParseChartType(raw string) (ChartType, error) {
	switch ChartType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ChartPageviews:
		return ChartPageviews, nil
	case ChartVisitors:
		return ChartVisitors, nil
	case ChartBoth:
		return ChartBoth, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChartType, raw)
}

// QueryParams scopes a summary query. PageURL filters daily and referrer
// summaries when set.
type QueryParams struct {
	Range   timeframe.DateRange
	PageURL string
}

func (p QueryParams) dateBounds() (string, string) {
	return p.Range.StartDate(), p.Range.EndDate()
}

func round2f(v float64) float64 {
	return round2(decimal.NewFromFloat(v))
}

// PeriodTotals are the aggregate measures of one date range.
type PeriodTotals struct {
	TotalViews          int64   `json:"total_views"`
	TotalUniqueVisitors int64   `json:"total_unique_visitors"`
	AvgTimeOnPage       float64 `json:"avg_time_on_page"`
	AvgBounceRate       float64 `json:"avg_bounce_rate"`
	UniquePages         int64   `json:"unique_pages"`
}

type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type OverviewComparison struct {
	PeriodTotals
	Changes *ComparisonMetrics `json:"changes"`
	Period  Period             `json:"period"`
}

type OverviewStats struct {
	PeriodTotals
	Period     Period             `json:"period"`
	Comparison OverviewComparison `json:"comparison"`
}

func periodTotals(db *gorm.DB, params QueryParams) (PeriodTotals, error) {
	start, end := params.dateBounds()
	query := db.Table("analytics_daily").
		Select(`COALESCE(SUM(views), 0) AS total_views,
			COALESCE(SUM(unique_visitors), 0) AS total_unique_visitors,
			COALESCE(AVG(avg_time_on_page), 0) AS avg_time_on_page,
			COALESCE(AVG(bounce_rate), 0) AS avg_bounce_rate,
			COUNT(DISTINCT page_url) AS unique_pages`).
		Where("date >= ? AND date <= ?", start, end)
	if params.PageURL != "" {
		query = query.Where("page_url = ?", params.PageURL)
	}

	var totals PeriodTotals
	if err := query.Scan(&totals).Error; err != nil {
		return PeriodTotals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	totals.AvgTimeOnPage = round2f(totals.AvgTimeOnPage)
	totals.AvgBounceRate = round2f(totals.AvgBounceRate)
	return totals, nil
}

// Overview returns the totals of params.Range and of the preceding window of
// equal length, queried concurrently.
func Overview(ctx context.Context, db *gorm.DB, params QueryParams) (*OverviewStats, error) {
	previous := QueryParams{Range: params.Range.Previous(), PageURL: params.PageURL}

	pool := async.NewPool(2)
	results := pool.Execute(ctx, []async.Task{
		{Name: "current", Execute: func() (interface{}, error) { return periodTotals(db, params) }},
		{Name: "previous", Execute: func() (interface{}, error) { return periodTotals(db, previous) }},
	})

	current, err := async.Value[PeriodTotals](results, "current")
	if err != nil {
		return nil, err
	}
	prev, err := async.Value[PeriodTotals](results, "previous")
	if err != nil {
		return nil, err
	}

	changes := CalculateComparisonMetrics(ComparisonData{
		CurrentViews:        current.TotalViews,
		PreviousViews:       prev.TotalViews,
		CurrentVisitors:     current.TotalUniqueVisitors,
		PreviousVisitors:    prev.TotalUniqueVisitors,
		CurrentAvgTime:      current.AvgTimeOnPage,
		PreviousAvgTime:     prev.AvgTimeOnPage,
		CurrentBounceRate:   current.AvgBounceRate,
		PreviousBounceRate:  prev.AvgBounceRate,
		CurrentUniquePages:  current.UniquePages,
		PreviousUniquePages: prev.UniquePages,
	})

	return &OverviewStats{
		PeriodTotals: current,
		Period:       Period{Start: params.Range.StartDate(), End: params.Range.EndDate()},
		Comparison: OverviewComparison{
			PeriodTotals: prev,
			Changes:      changes,
			Period:       Period{Start: previous.Range.StartDate(), End: previous.Range.EndDate()},
		},
	}, nil
}

type PageStat struct {
	PageURL        string  `json:"page_url"`
	PageTitle      string  `json:"page_title"`
	Views          int64   `json:"views"`
	UniqueVisitors int64   `json:"unique_visitors"`
	AvgTimeOnPage  float64 `json:"avg_time_on_page"`
	BounceRate     float64 `json:"bounce_rate"`
}

// Pages returns the most viewed pages of the range.
func Pages(db *gorm.DB, params QueryParams) ([]PageStat, error) {
	start, end := params.dateBounds()
	query := db.Table("analytics_daily").
		Select(`page_url, MAX(page_title) AS page_title,
			SUM(views) AS views, SUM(unique_visitors) AS unique_visitors,
			AVG(avg_time_on_page) AS avg_time_on_page, AVG(bounce_rate) AS bounce_rate`).
		Where("date >= ? AND date <= ?", start, end)
	if params.PageURL != "" {
		query = query.Where("page_url = ?", params.PageURL)
	}

	rows := []PageStat{}
	err := query.Group("page_url").Order("views DESC, page_url ASC").Limit(PagesLimit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	for i := range rows {
		rows[i].AvgTimeOnPage = round2f(rows[i].AvgTimeOnPage)
		rows[i].BounceRate = round2f(rows[i].BounceRate)
	}
	return rows, nil
}

type ReferrerResult struct {
	ReferrerDomain string `json:"referrer_domain"`
	Name           string `json:"name"`
	Visits         int64  `json:"visits"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

// Referrers returns the top referring domains of the range.
func Referrers(db *gorm.DB, params QueryParams) ([]ReferrerResult, error) {
	start, end := params.dateBounds()
	query := db.Table("analytics_referrers").
		Select("referrer_domain, SUM(visits) AS visits, SUM(unique_visitors) AS unique_visitors").
		Where("date >= ? AND date <= ?", start, end)
	if params.PageURL != "" {
		query = query.Where("page_url = ?", params.PageURL)
	}

	rows := []ReferrerResult{}
	err := query.Group("referrer_domain").Order("visits DESC, referrer_domain ASC").Limit(BreakdownLimit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query referrers: %w", err)
	}
	for i := range rows {
		rows[i].Name = referrers.FriendlyName(rows[i].ReferrerDomain)
	}
	return rows, nil
}

type DeviceResult struct {
	DeviceType     string `json:"device_type"`
	Browser        string `json:"browser"`
	OS             string `json:"os"`
	DeviceLabel    string `json:"device_label"`
	BrowserLabel   string `json:"browser_label"`
	OSLabel        string `json:"os_label"`
	Views          int64  `json:"views"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

// Devices returns the top device, browser and OS combinations of the range.
func Devices(db *gorm.DB, params QueryParams) ([]DeviceResult, error) {
	start, end := params.dateBounds()
	rows := []DeviceResult{}
	err := db.Table("analytics_devices").
		Select("device_type, browser, os, SUM(views) AS views, SUM(unique_visitors) AS unique_visitors").
		Where("date >= ? AND date <= ?", start, end).
		Group("device_type, browser, os").
		Order("views DESC, device_type ASC, browser ASC, os ASC").
		Limit(BreakdownLimit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	for i := range rows {
		rows[i].DeviceLabel = DeviceLabel(rows[i].DeviceType)
		rows[i].BrowserLabel = BrowserLabel(rows[i].Browser)
		rows[i].OSLabel = OSLabel(rows[i].OS)
	}
	return rows, nil
}

type GeoResult struct {
	CountryCode    string `json:"country_code"`
	CountryName    string `json:"country_name"`
	City           string `json:"city"`
	Views          int64  `json:"views"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

// Geo returns the top countries and cities of the range.
func Geo(db *gorm.DB, params QueryParams) ([]GeoResult, error) {
	start, end := params.dateBounds()
	rows := []GeoResult{}
	err := db.Table("analytics_geo").
		Select("country_code, city, SUM(views) AS views, SUM(unique_visitors) AS unique_visitors").
		Where("date >= ? AND date <= ?", start, end).
		Group("country_code, city").
		Order("views DESC, country_code ASC, city ASC").
		Limit(BreakdownLimit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query geo: %w", err)
	}
	for i := range rows {
		rows[i].CountryName = CountryName(rows[i].CountryCode)
	}
	return rows, nil
}

// Stats dispatches to the breakdown selected by statType.
func Stats(ctx context.Context, db *gorm.DB, statType StatType, params QueryParams) (any, error) {
	switch statType {
	case StatOverview:
		return Overview(ctx, db, params)
	case StatPages:
		return Pages(db, params)
	case StatReferrers:
		return Referrers(db, params)
	case StatDevices:
		return Devices(db, params)
	case StatGeo:
		return Geo(db, params)
	}
	return nil, ErrInvalidStatType
}

type ChartDataset struct {
	Label string  `json:"label"`
	Data  []int64 `json:"data"`
}

type ChartData struct {
	Labels      []string       `json:"labels"`
	Datasets    []ChartDataset `json:"datasets"`
	TotalPoints int            `json:"total_points"`
}

// Chart returns one zero-filled point per day of the range.
func Chart(db *gorm.DB, params QueryParams, chartType ChartType) (*ChartData, error) {
	start, end := params.dateBounds()

	type dayRow struct {
		Date     string
		Views    int64
		Visitors int64
	}
	var rows []dayRow
	query := db.Table("analytics_daily").
		Select("date, SUM(views) AS views, SUM(unique_visitors) AS visitors").
		Where("date >= ? AND date <= ?", start, end)
	if params.PageURL != "" {
		query = query.Where("page_url = ?", params.PageURL)
	}
	if err := query.Group("date").Order("date ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query chart: %w", err)
	}

	byDate := make(map[string]dayRow, len(rows))
	for _, r := range rows {
		byDate[r.Date] = r
	}

	days := params.Range.DayList()
	data := &ChartData{Labels: make([]string, 0, len(days)), TotalPoints: len(days)}
	views := make([]int64, 0, len(days))
	visitors := make([]int64, 0, len(days))
	for _, day := range days {
		label := day.Format(dateLayout)
		data.Labels = append(data.Labels, label)
		views = append(views, byDate[label].Views)
		visitors = append(visitors, byDate[label].Visitors)
	}

	switch chartType {
	case ChartVisitors:
		data.Datasets = []ChartDataset{{Label: "Unique Visitors", Data: visitors}}
	case ChartBoth:
		data.Datasets = []ChartDataset{
			{Label: "Page Views", Data: views},
			{Label: "Unique Visitors", Data: visitors},
		}
	default:
		data.Datasets = []ChartDataset{{Label: "Page Views", Data: views}}
	}
	return data, nil
}

// CachedSummary is one analytics_summary row. UpdatedAt is nil until the
// first aggregation has run.
type CachedSummary struct {
	Period    string     `json:"period"`
	Key       string     `json:"key"`
	UpdatedAt *time.Time `json:"updated_at"`
	SummaryValue
}

// CachedOverview reads the precomputed overview for period.
func CachedOverview(db *gorm.DB, period string) (*CachedSummary, error) {
	for _, p := range SummaryPeriods {
		if p.Period != period {
			continue
		}

		result := &CachedSummary{Period: p.Period, Key: p.Key}
		var row SummaryCache
		err := db.Where("stat_key = ? AND stat_period = ?", p.Key, p.Period).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read summary cache: %w", err)
		}
		if err := json.Unmarshal([]byte(row.StatValue), &result.SummaryValue); err != nil {
			return nil, fmt.Errorf("failed to decode summary cache: %w", err)
		}
		updated := row.UpdatedAt.UTC()
		result.UpdatedAt = &updated
		return result, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}
