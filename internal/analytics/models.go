package analytics

import "time"

// Summary rows are keyed by a YYYY-MM-DD date string so that range filters
// compare lexically in SQLite.

// DailyStat is the per page daily rollup.
type DailyStat struct {
	ID             uint    `gorm:"primaryKey"`
	Date           string  `gorm:"size:10;not null;uniqueIndex:idx_daily_date_page,priority:1"`
	PageURL        string  `gorm:"size:500;not null;uniqueIndex:idx_daily_date_page,priority:2"`
	PageTitle      string  `gorm:"size:255"`
	Views          int64   `gorm:"not null;default:0"`
	UniqueVisitors int64   `gorm:"not null;default:0"`
	AvgTimeOnPage  float64 `gorm:"not null;default:0"`
	BounceRate     float64 `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DailyStat) TableName() string { return "analytics_daily" }

// ReferrerStat counts visits per referrer domain and landing page.
type ReferrerStat struct {
	ID             uint   `gorm:"primaryKey"`
	Date           string `gorm:"size:10;not null;uniqueIndex:idx_referrers_date_domain_page,priority:1"`
	ReferrerDomain string `gorm:"not null;uniqueIndex:idx_referrers_date_domain_page,priority:2"`
	PageURL        string `gorm:"size:500;not null;uniqueIndex:idx_referrers_date_domain_page,priority:3"`
	ReferrerURL    string `gorm:"size:500"`
	Visits         int64  `gorm:"not null;default:0"`
	UniqueVisitors int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ReferrerStat) TableName() string { return "analytics_referrers" }

type DeviceStat struct {
	ID             uint   `gorm:"primaryKey"`
	Date           string `gorm:"size:10;not null;uniqueIndex:idx_devices_date_type_browser_os,priority:1"`
	DeviceType     string `gorm:"not null;uniqueIndex:idx_devices_date_type_browser_os,priority:2"`
	Browser        string `gorm:"not null;uniqueIndex:idx_devices_date_type_browser_os,priority:3"`
	OS             string `gorm:"column:os;not null;uniqueIndex:idx_devices_date_type_browser_os,priority:4"`
	Views          int64  `gorm:"not null;default:0"`
	UniqueVisitors int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeviceStat) TableName() string { return "analytics_devices" }

// GeoStat stores an unknown city as the empty string.
type GeoStat struct {
	ID             uint   `gorm:"primaryKey"`
	Date           string `gorm:"size:10;not null;uniqueIndex:idx_geo_date_country_city,priority:1"`
	CountryCode    string `gorm:"size:2;not null;uniqueIndex:idx_geo_date_country_city,priority:2"`
	City           string `gorm:"size:100;not null;default:'';uniqueIndex:idx_geo_date_country_city,priority:3"`
	Views          int64  `gorm:"not null;default:0"`
	UniqueVisitors int64  `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (GeoStat) TableName() string { return "analytics_geo" }

// SummaryCache holds precomputed overview totals as JSON.
type SummaryCache struct {
	ID         uint   `gorm:"primaryKey"`
	StatKey    string `gorm:"not null;uniqueIndex:idx_summary_key_period,priority:1"`
	StatPeriod string `gorm:"not null;uniqueIndex:idx_summary_key_period,priority:2"`
	StatValue  string `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (SummaryCache) TableName() string { return "analytics_summary" }

// SummaryValue is the decoded StatValue of a SummaryCache row.
type SummaryValue struct {
	TotalViews          int64 `json:"total_views"`
	TotalUniqueVisitors int64 `json:"total_unique_visitors"`
	UniquePages         int64 `json:"unique_pages"`
}

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{
		&DailyStat{},
		&ReferrerStat{},
		&DeviceStat{},
		&GeoStat{},
		&SummaryCache{},
	}
}
