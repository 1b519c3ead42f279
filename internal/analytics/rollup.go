package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pulse/internal/events"
	ua "pulse/internal/pkg/user_agent"
)

// MaxTimeOnPageGap is the longest gap between two views of a session that
// still counts as time spent on the first page.
const MaxTimeOnPageGap = 30 * time.Minute

// DayRollup is every summary row computed for one UTC day.
type DayRollup struct {
	Date      string
	Daily     []DailyStat
	Referrers []ReferrerStat
	Devices   []DeviceStat
	Geo       []GeoStat
}

// Rows returns the number of rows per dimension.
func (r DayRollup) Rows() map[string]int {
	return map[string]int{
		"daily":     len(r.Daily),
		"referrers": len(r.Referrers),
		"devices":   len(r.Devices),
		"geo":       len(r.Geo),
	}
}

// round2 rounds half away from zero to two decimals.
func round2(v decimal.Decimal) float64 {
	f, _ := v.Round(2).Float64()
	return f
}

func percentage(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return round2(decimal.NewFromInt(int64(part)).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(whole))))
}

// ComputeDaily builds the per page rows for one day. evs must all belong to
// date and be ordered by creation time.
func ComputeDaily(date string, evs []events.Event) []DailyStat {
	type pageAgg struct {
		views     int64
		title     string
		sessions  map[string]struct{}
		timeTotal decimal.Decimal
		timeCount int64
	}

	pages := map[string]*pageAgg{}
	sessionPages := map[string]map[string]struct{}{}
	sessionViews := map[string][]events.Event{}

	for _, e := range evs {
		p, ok := pages[e.PageURL]
		if !ok {
			p = &pageAgg{sessions: map[string]struct{}{}}
			pages[e.PageURL] = p
		}
		p.views++
		p.sessions[e.SessionID] = struct{}{}
		if e.PageTitle != "" {
			p.title = e.PageTitle
		}

		if sessionPages[e.SessionID] == nil {
			sessionPages[e.SessionID] = map[string]struct{}{}
		}
		sessionPages[e.SessionID][e.PageURL] = struct{}{}
		sessionViews[e.SessionID] = append(sessionViews[e.SessionID], e)
	}

	for _, views := range sessionViews {
		sort.SliceStable(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
		for i := 0; i+1 < len(views); i++ {
			gap := views[i+1].CreatedAt.Sub(views[i].CreatedAt)
			if gap < 0 || gap > MaxTimeOnPageGap {
				continue
			}
			p := pages[views[i].PageURL]
			p.timeTotal = p.timeTotal.Add(decimal.NewFromFloat(gap.Seconds()))
			p.timeCount++
		}
	}

	rows := make([]DailyStat, 0, len(pages))
	for pageURL, p := range pages {
		bounced := 0
		for sessionID := range p.sessions {
			if len(sessionPages[sessionID]) == 1 {
				bounced++
			}
		}

		avg := 0.0
		if p.timeCount > 0 {
			avg = round2(p.timeTotal.Div(decimal.NewFromInt(p.timeCount)))
		}

		rows = append(rows, DailyStat{
			Date:           date,
			PageURL:        pageURL,
			PageTitle:      p.title,
			Views:          p.views,
			UniqueVisitors: int64(len(p.sessions)),
			AvgTimeOnPage:  avg,
			BounceRate:     percentage(bounced, len(p.sessions)),
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].PageURL < rows[j].PageURL })
	return rows
}

// ComputeReferrers counts visits per (referrer domain, page). Events without
// a referrer domain are direct traffic and are skipped.
func ComputeReferrers(date string, evs []events.Event) []ReferrerStat {
	type key struct{ domain, page string }
	type agg struct {
		visits   int64
		url      string
		sessions map[string]struct{}
	}

	groups := map[key]*agg{}
	for _, e := range evs {
		if e.ReferrerDomain == "" {
			continue
		}
		k := key{e.ReferrerDomain, e.PageURL}
		g, ok := groups[k]
		if !ok {
			g = &agg{sessions: map[string]struct{}{}}
			groups[k] = g
		}
		g.visits++
		g.sessions[e.SessionID] = struct{}{}
		if e.Referrer != "" {
			g.url = e.Referrer
		}
	}

	rows := make([]ReferrerStat, 0, len(groups))
	for k, g := range groups {
		rows = append(rows, ReferrerStat{
			Date:           date,
			ReferrerDomain: k.domain,
			PageURL:        k.page,
			ReferrerURL:    g.url,
			Visits:         g.visits,
			UniqueVisitors: int64(len(g.sessions)),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ReferrerDomain != rows[j].ReferrerDomain {
			return rows[i].ReferrerDomain < rows[j].ReferrerDomain
		}
		return rows[i].PageURL < rows[j].PageURL
	})
	return rows
}

// ComputeDevices counts views per (device type, browser, os).
func ComputeDevices(date string, evs []events.Event) []DeviceStat {
	type key struct{ device, browser, os string }
	type agg struct {
		views    int64
		sessions map[string]struct{}
	}

	groups := map[key]*agg{}
	for _, e := range evs {
		k := key{orDefault(e.DeviceType, ua.DeviceDesktop), orDefault(e.Browser, ua.Unknown), orDefault(e.OS, ua.Unknown)}
		g, ok := groups[k]
		if !ok {
			g = &agg{sessions: map[string]struct{}{}}
			groups[k] = g
		}
		g.views++
		g.sessions[e.SessionID] = struct{}{}
	}

	rows := make([]DeviceStat, 0, len(groups))
	for k, g := range groups {
		rows = append(rows, DeviceStat{
			Date:           date,
			DeviceType:     k.device,
			Browser:        k.browser,
			OS:             k.os,
			Views:          g.views,
			UniqueVisitors: int64(len(g.sessions)),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.DeviceType != b.DeviceType {
			return a.DeviceType < b.DeviceType
		}
		if a.Browser != b.Browser {
			return a.Browser < b.Browser
		}
		return a.OS < b.OS
	})
	return rows
}

// ComputeGeo counts views per (country, city) for events with a country.
func ComputeGeo(date string, evs []events.Event) []GeoStat {
	type key struct{ country, city string }
	type agg struct {
		views    int64
		sessions map[string]struct{}
	}

	groups := map[key]*agg{}
	for _, e := range evs {
		if e.CountryCode == "" {
			continue
		}
		k := key{e.CountryCode, e.City}
		g, ok := groups[k]
		if !ok {
			g = &agg{sessions: map[string]struct{}{}}
			groups[k] = g
		}
		g.views++
		g.sessions[e.SessionID] = struct{}{}
	}

	rows := make([]GeoStat, 0, len(groups))
	for k, g := range groups {
		rows = append(rows, GeoStat{
			Date:           date,
			CountryCode:    k.country,
			City:           k.city,
			Views:          g.views,
			UniqueVisitors: int64(len(g.sessions)),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CountryCode != rows[j].CountryCode {
			return rows[i].CountryCode < rows[j].CountryCode
		}
		return rows[i].City < rows[j].City
	})
	return rows
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// UpsertRollup replaces the summary rows of one day. It must run inside the
// aggregation transaction.
func UpsertRollup(tx *gorm.DB, r DayRollup, now time.Time) error {
	for _, row := range r.Daily {
		err := tx.Exec(`
			INSERT INTO analytics_daily (date, page_url, page_title, views, unique_visitors, avg_time_on_page, bounce_rate, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date, page_url) DO UPDATE SET
				page_title = excluded.page_title,
				views = excluded.views,
				unique_visitors = excluded.unique_visitors,
				avg_time_on_page = excluded.avg_time_on_page,
				bounce_rate = excluded.bounce_rate,
				updated_at = excluded.updated_at
		`, row.Date, row.PageURL, row.PageTitle, row.Views, row.UniqueVisitors, row.AvgTimeOnPage, row.BounceRate, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert daily stat %s %s: %w", row.Date, row.PageURL, err)
		}
	}

	for _, row := range r.Referrers {
		err := tx.Exec(`
			INSERT INTO analytics_referrers (date, referrer_domain, page_url, referrer_url, visits, unique_visitors, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date, referrer_domain, page_url) DO UPDATE SET
				referrer_url = excluded.referrer_url,
				visits = excluded.visits,
				unique_visitors = excluded.unique_visitors,
				updated_at = excluded.updated_at
		`, row.Date, row.ReferrerDomain, row.PageURL, row.ReferrerURL, row.Visits, row.UniqueVisitors, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert referrer stat %s %s: %w", row.Date, row.ReferrerDomain, err)
		}
	}

	for _, row := range r.Devices {
		err := tx.Exec(`
			INSERT INTO analytics_devices (date, device_type, browser, os, views, unique_visitors, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date, device_type, browser, os) DO UPDATE SET
				views = excluded.views,
				unique_visitors = excluded.unique_visitors,
				updated_at = excluded.updated_at
		`, row.Date, row.DeviceType, row.Browser, row.OS, row.Views, row.UniqueVisitors, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert device stat %s: %w", row.Date, err)
		}
	}

	for _, row := range r.Geo {
		err := tx.Exec(`
			INSERT INTO analytics_geo (date, country_code, city, views, unique_visitors, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (date, country_code, city) DO UPDATE SET
				views = excluded.views,
				unique_visitors = excluded.unique_visitors,
				updated_at = excluded.updated_at
		`, row.Date, row.CountryCode, row.City, row.Views, row.UniqueVisitors, now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert geo stat %s %s: %w", row.Date, row.CountryCode, err)
		}
	}

	return nil
}

// Summary cache periods
const (
	Period7d      = "7d"
	Period30d     = "30d"
	PeriodAllTime = "all_time"
)

// SummaryPeriods maps each cached period to its key and window length in
// days. Zero means unbounded.
var SummaryPeriods = []struct {
	Period string
	Key    string
	Days   int
}{
	{Period7d, "overview_7d", 7},
	{Period30d, "overview_30d", 30},
	{PeriodAllTime, "overview_all_time", 0},
}

// RefreshSummaryCache recomputes the overview cache rows from analytics_daily.
func RefreshSummaryCache(tx *gorm.DB, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, p := range SummaryPeriods {
		query := tx.Table("analytics_daily").
			Select("COALESCE(SUM(views), 0) AS total_views, COALESCE(SUM(unique_visitors), 0) AS total_unique_visitors, COUNT(DISTINCT page_url) AS unique_pages")
		if p.Days > 0 {
			from := today.AddDate(0, 0, -(p.Days - 1)).Format(dateLayout)
			query = query.Where("date >= ? AND date <= ?", from, today.Format(dateLayout))
		}

		var value SummaryValue
		if err := query.Scan(&value).Error; err != nil {
			return fmt.Errorf("failed to compute %s summary: %w", p.Key, err)
		}

		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %s summary: %w", p.Key, err)
		}

		err = tx.Exec(`
			INSERT INTO analytics_summary (stat_key, stat_period, stat_value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (stat_key, stat_period) DO UPDATE SET
				stat_value = excluded.stat_value,
				updated_at = excluded.updated_at
		`, p.Key, p.Period, string(payload), now, now).Error
		if err != nil {
			return fmt.Errorf("failed to upsert %s summary: %w", p.Key, err)
		}
	}
	return nil
}
