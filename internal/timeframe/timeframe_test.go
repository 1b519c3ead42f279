package timeframe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/timeframe"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestDateRangeParser(t *testing.T) {
	fixedTime := time.Date(2024, 7, 15, 14, 30, 0, 0, time.UTC)
	parser := timeframe.NewDateRangeParser(&timeframe.FixedTimeProvider{CurrentTime: fixedTime})

	testCases := []struct {
		name          string
		params        timeframe.DateRangeParams
		expectedStart time.Time
		expectedEnd   time.Time
		expectedDays  int
		expectError   bool
	}{
		{
			name:          "explicit week",
			params:        timeframe.DateRangeParams{StartDate: "2024-07-01", EndDate: "2024-07-07"},
			expectedStart: day(2024, 7, 1),
			expectedEnd:   day(2024, 7, 8),
			expectedDays:  7,
		},
		{
			name:          "single day",
			params:        timeframe.DateRangeParams{StartDate: "2024-07-15", EndDate: "2024-07-15"},
			expectedStart: day(2024, 7, 15),
			expectedEnd:   day(2024, 7, 16),
			expectedDays:  1,
		},
		{
			name:          "defaults to last 30 days including today",
			params:        timeframe.DateRangeParams{},
			expectedStart: day(2024, 6, 16),
			expectedEnd:   day(2024, 7, 16),
			expectedDays:  30,
		},
		{
			name:          "rfc3339 is truncated to the UTC day",
			params:        timeframe.DateRangeParams{StartDate: "2024-07-01T23:00:00-02:00", EndDate: "2024-07-03"},
			expectedStart: day(2024, 7, 2),
			expectedEnd:   day(2024, 7, 4),
			expectedDays:  2,
		},
		{
			name:        "end before start",
			params:      timeframe.DateRangeParams{StartDate: "2024-07-10", EndDate: "2024-07-01"},
			expectError: true,
		},
		{
			name:        "garbage start",
			params:      timeframe.DateRangeParams{StartDate: "last tuesday"},
			expectError: true,
		},
		{
			name:        "garbage end",
			params:      timeframe.DateRangeParams{EndDate: "2024-13-45"},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := parser.Parse(tc.params)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStart, r.Start)
			assert.Equal(t, tc.expectedEnd, r.End)
			assert.Equal(t, tc.expectedDays, r.Days())
		})
	}
}

func TestDateRangePrevious(t *testing.T) {
	for _, days := range []int{1, 7, 30, 365} {
		current := timeframe.LastDays(time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), days)
		previous := current.Previous()

		assert.Equal(t, current.Days(), previous.Days(), "same length for %d days", days)
		assert.Equal(t, current.Start, previous.End, "previous window ends where current starts")
		assert.Equal(t, current.Start.AddDate(0, 0, -1), previous.LastDay(), "last compared day is the day before start")
	}
}

func TestDateRangeHelpers(t *testing.T) {
	r, err := timeframe.NewDateRange(day(2024, 2, 27), day(2024, 3, 1))
	require.NoError(t, err)

	assert.Equal(t, 4, r.Days())
	assert.Equal(t, "2024-02-27", r.StartDate())
	assert.Equal(t, "2024-03-01", r.EndDate())
	assert.Equal(t, []time.Time{day(2024, 2, 27), day(2024, 2, 28), day(2024, 2, 29), day(2024, 3, 1)}, r.DayList())

	_, err = timeframe.NewDateRange(day(2024, 3, 2), day(2024, 3, 1))
	assert.ErrorIs(t, err, timeframe.ErrInvalidRange)
}
