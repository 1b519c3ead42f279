package analytics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pulse/internal/analytics"
)

func TestCountryName(t *testing.T) {
	assert.Equal(t, "Germany", analytics.CountryName("DE"))
	assert.Equal(t, "Japan", analytics.CountryName("jp"))
	assert.Equal(t, "XX", analytics.CountryName("xx"))
	assert.Equal(t, "Unknown", analytics.CountryName(""))
}

func TestDeviceLabels(t *testing.T) {
	assert.Equal(t, "Mobile", analytics.DeviceLabel("mobile"))
	assert.Equal(t, "Unknown", analytics.DeviceLabel("unknown"))
	assert.Equal(t, "Firefox", analytics.BrowserLabel("Firefox"))
	assert.Equal(t, "Unknown", analytics.BrowserLabel(""))

	for raw, want := range map[string]string{
		"iOS":      "iOS",
		"Mac OS X": "macOS",
		"iPadOS":   "iPadOS",
		"Linux":    "Linux",
		"unknown":  "Unknown",
	} {
		assert.Equal(t, want, analytics.OSLabel(raw), raw)
	}
}

func TestCalculateComparisonMetrics(t *testing.T) {
	metrics := analytics.CalculateComparisonMetrics(analytics.ComparisonData{
		CurrentViews:       150,
		PreviousViews:      100,
		CurrentVisitors:    30,
		PreviousVisitors:   0,
		CurrentBounceRate:  40,
		PreviousBounceRate: 60,
	})

	if assert.NotNil(t, metrics.ViewsChange) {
		assert.Equal(t, 50.0, *metrics.ViewsChange)
	}
	assert.Nil(t, metrics.VisitorsChange)
	if assert.NotNil(t, metrics.BounceRateChange) {
		assert.Equal(t, -33.33, *metrics.BounceRateChange)
	}
}
