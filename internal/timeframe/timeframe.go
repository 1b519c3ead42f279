package timeframe

import (
	"errors"
	"time"
)

// DateLayout is the wire format of start_date / end_date.
const DateLayout = "2006-01-02"

// ErrInvalidRange is returned when a range ends before it starts.
var ErrInvalidRange = errors.New("end date is before start date")

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// FixedTimeProvider always returns the same instant.
type FixedTimeProvider struct {
	CurrentTime time.Time
}

func (p *FixedTimeProvider) Now(loc *time.Location) time.Time {
	return p.CurrentTime.In(loc)
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateRange is a half-open range of whole UTC days: [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds the range covering the days from first through last,
// both inclusive.
func NewDateRange(first, last time.Time) (DateRange, error) {
	start := DayStart(first)
	lastDay := DayStart(last)
	if lastDay.Before(start) {
		return DateRange{}, ErrInvalidRange
	}
	return DateRange{Start: start, End: lastDay.AddDate(0, 0, 1)}, nil
}

// LastDays returns the range of n days ending with (and including) the day of now.
func LastDays(now time.Time, n int) DateRange {
	if n < 1 {
		n = 1
	}
	end := DayStart(now).AddDate(0, 0, 1)
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}

// Days returns the number of days in the range.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}

// LastDay returns the final day included in the range.
func (r DateRange) LastDay() time.Time {
	return r.End.AddDate(0, 0, -1)
}

// Previous returns the window of equal length immediately before r. Its last
// day is the day before r.Start.
func (r DateRange) Previous() DateRange {
	days := r.Days()
	return DateRange{Start: r.Start.AddDate(0, 0, -days), End: r.Start}
}

// DayList returns every day of the range in order.
func (r DateRange) DayList() []time.Time {
	days := make([]time.Time, 0, r.Days())
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// StartDate and EndDate format the inclusive bounds for responses.
func (r DateRange) StartDate() string { return r.Start.Format(DateLayout) }
func (r DateRange) EndDate() string   { return r.LastDay().Format(DateLayout) }
