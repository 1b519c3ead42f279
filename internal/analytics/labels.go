package analytics

import (
	"strings"
	"sync"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	ua "pulse/internal/pkg/user_agent"
)

var countries = sync.OnceValue(gountries.New)

// CountryName returns the common English name of an ISO alpha-2 code, or the
// upper-cased code when it is not known.
func CountryName(code string) string {
	if code == "" {
		return "Unknown"
	}
	country, err := countries().FindCountryByAlpha(code)
	if err != nil {
		return cases.Upper(language.AmericanEnglish).String(code)
	}
	return country.Name.Common
}

func DeviceLabel(device string) string {
	if device == "" || device == ua.Unknown {
		return "Unknown"
	}
	return cases.Title(language.AmericanEnglish).String(device)
}

func BrowserLabel(browser string) string {
	if browser == "" || browser == ua.Unknown {
		return "Unknown"
	}
	return browser
}

func OSLabel(os string) string {
	switch strings.ToLower(strings.TrimSpace(os)) {
	case "", ua.Unknown:
		return "Unknown"
	case "ios", "iphone os":
		return "iOS"
	case "ipados":
		return "iPadOS"
	case "macos", "mac os", "mac os x", "darwin":
		return "macOS"
	}
	return os
}
