package analytics

// ComparisonMetrics represents period-over-period percentage changes for key metrics
type ComparisonMetrics struct {
	ViewsChange       *float64 `json:"views_change,omitempty"`
	VisitorsChange    *float64 `json:"visitors_change,omitempty"`
	AvgTimeChange     *float64 `json:"avg_time_change,omitempty"`
	BounceRateChange  *float64 `json:"bounce_rate_change,omitempty"`
	UniquePagesChange *float64 `json:"unique_pages_change,omitempty"`
}

// ComparisonData holds current and previous period metrics for comparison
type ComparisonData struct {
	CurrentViews        int64
	PreviousViews       int64
	CurrentVisitors     int64
	PreviousVisitors    int64
	CurrentAvgTime      float64
	PreviousAvgTime     float64
	CurrentBounceRate   float64
	PreviousBounceRate  float64
	CurrentUniquePages  int64
	PreviousUniquePages int64
}

// CalculateComparisonMetrics computes period-over-period percentage changes.
// A change is omitted when the previous value is zero.
func CalculateComparisonMetrics(data ComparisonData) *ComparisonMetrics {
	calculatePercentageChange := func(current, previous float64) *float64 {
		if previous > 0 {
			change := round2f(((current - previous) / previous) * 100)
			return &change
		}
		return nil
	}

	return &ComparisonMetrics{
		ViewsChange:       calculatePercentageChange(float64(data.CurrentViews), float64(data.PreviousViews)),
		VisitorsChange:    calculatePercentageChange(float64(data.CurrentVisitors), float64(data.PreviousVisitors)),
		AvgTimeChange:     calculatePercentageChange(data.CurrentAvgTime, data.PreviousAvgTime),
		BounceRateChange:  calculatePercentageChange(data.CurrentBounceRate, data.PreviousBounceRate),
		UniquePagesChange: calculatePercentageChange(float64(data.CurrentUniquePages), float64(data.PreviousUniquePages)),
	}
}
