package events

import "time"

// Field limits enforced at ingestion. Oversized input is rejected, never
// truncated.
const (
	MaxPageURLLength   = 500
	MaxPageTitleLength = 255
	MaxReferrerLength  = 500
)

// Event is one raw page view. Rows are append-only: nothing updates them and
// only the retention sweeper deletes them.
type Event struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	PageURL        string `gorm:"size:500;not null;index;index:idx_pageviews_session_page_created,priority:2"`
	PageTitle      string `gorm:"size:255"`
	Referrer       string `gorm:"size:500"`
	ReferrerDomain string `gorm:"index"`
	UserAgent      string `gorm:"type:text"`
	DeviceType     string `gorm:"not null;default:desktop"`
	Browser        string `gorm:"not null;default:unknown"`
	BrowserVersion string
	OS             string `gorm:"column:os;not null;default:unknown"`
	// CountryCode and City are empty when geo resolution is unavailable.
	CountryCode     string    `gorm:"size:2"`
	City            string    `gorm:"size:100"`
	IPHash          string    `gorm:"size:64;not null"`
	SessionID       string    `gorm:"size:128;not null;index:idx_pageviews_session_created,priority:1;index:idx_pageviews_session_page_created,priority:1"`
	IsUniqueVisitor bool      `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"not null;index;index:idx_pageviews_session_created,priority:2;index:idx_pageviews_session_page_created,priority:3"`
}

func (Event) TableName() string {
	return "pageviews"
}

// Day returns the UTC calendar day the event belongs to.
func (e Event) Day() time.Time {
	t := e.CreatedAt.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
