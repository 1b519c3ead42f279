package timeframe

import (
	"fmt"
	"strings"
	"time"
)

// DefaultRangeDays is used when no start date is supplied.
const DefaultRangeDays = 30

type DateRangeParams struct {
	StartDate string
	EndDate   string
}

type DateRangeParser struct {
	timeProvider TimeProvider
}

func NewDateRangeParser(timeProvider ...TimeProvider) *DateRangeParser {
	var provider TimeProvider = &DefaultTimeProvider{}
	if len(timeProvider) > 0 && timeProvider[0] != nil {
		provider = timeProvider[0]
	}
	return &DateRangeParser{timeProvider: provider}
}

// Parse resolves start_date / end_date into a DateRange. Missing end means
// today; missing start means DefaultRangeDays days ending at the end date.
// Dates are YYYY-MM-DD or RFC3339; only the UTC day is kept.
func (p *DateRangeParser) Parse(params DateRangeParams) (DateRange, error) {
	now := p.timeProvider.Now(time.UTC)

	last := now
	if params.EndDate != "" {
		t, err := parseDay(params.EndDate)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid end_date: %w", err)
		}
		last = t
	}

	first := DayStart(last).AddDate(0, 0, -(DefaultRangeDays - 1))
	if params.StartDate != "" {
		t, err := parseDay(params.StartDate)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid start_date: %w", err)
		}
		first = t
	}

	return NewDateRange(first, last)
}

func parseDay(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(DateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	return t.UTC(), nil
}
