package referrers

import (
	"net/url"
	"strings"
)

// knownSources maps referrer domains to display names.
var knownSources = map[string]string{
	// Search engines
	"google.com":     "Google",
	"google.co.uk":   "Google",
	"google.de":      "Google",
	"google.fr":      "Google",
	"google.es":      "Google",
	"google.it":      "Google",
	"google.ca":      "Google",
	"google.com.au":  "Google",
	"google.co.jp":   "Google",
	"google.com.br":  "Google",
	"bing.com":       "Bing",
	"duckduckgo.com": "DuckDuckGo",
	"yahoo.com":      "Yahoo",
	"baidu.com":      "Baidu",
	"yandex.ru":      "Yandex",
	"ecosia.org":     "Ecosia",
	"kagi.com":       "Kagi",

	// Social
	"x.com":           "X/Twitter",
	"twitter.com":     "X/Twitter",
	"t.co":            "X/Twitter",
	"facebook.com":    "Facebook",
	"fb.com":          "Facebook",
	"instagram.com":   "Instagram",
	"linkedin.com":    "LinkedIn",
	"lnkd.in":         "LinkedIn",
	"tiktok.com":      "TikTok",
	"pinterest.com":   "Pinterest",
	"reddit.com":      "Reddit",
	"threads.net":     "Threads",
	"bsky.app":        "Bluesky",
	"mastodon.social": "Mastodon",
	"youtube.com":     "YouTube",
	"youtu.be":        "YouTube",
	"t.me":            "Telegram",

	// Communities
	"news.ycombinator.com": "Hacker News",
	"lobste.rs":            "Lobsters",
	"producthunt.com":      "Product Hunt",
	"dev.to":               "DEV Community",
	"medium.com":           "Medium",
	"substack.com":         "Substack",
	"github.com":           "GitHub",
	"stackoverflow.com":    "Stack Overflow",

	// Mail
	"mail.google.com":    "Gmail",
	"outlook.live.com":   "Outlook",
	"outlook.office.com": "Outlook",
	"mail.yahoo.com":     "Yahoo Mail",
	"mail.proton.me":     "Proton Mail",

	// Shorteners
	"bit.ly":      "Bitly",
	"tinyurl.com": "TinyURL",
}

// Domain extracts the normalized referrer domain from a referrer URL:
// lower-cased host without port and without a leading "www.". It returns ""
// when the referrer is empty or has no host.
func Domain(referrer string) string {
	referrer = strings.TrimSpace(referrer)
	if referrer == "" {
		return ""
	}

	parsed, err := url.Parse(referrer)
	if err != nil || parsed.Host == "" {
		// Accept scheme-less referrers such as "example.com/page".
		parsed, err = url.Parse("http://" + referrer)
		if err != nil || parsed.Host == "" {
			return ""
		}
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// FriendlyName returns a display name for a referrer domain. Subdomains of a
// known source resolve to that source (m.facebook.com → Facebook); unknown
// domains are returned with the first letter capitalized.
func FriendlyName(hostname string) string {
	hostname = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hostname)), "www.")
	if hostname == "" {
		return ""
	}

	// Walk from the most specific suffix to the least so that
	// mail.google.com wins over google.com.
	candidate := hostname
	for {
		if name, ok := knownSources[candidate]; ok {
			return name
		}
		dot := strings.Index(candidate, ".")
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}

	return strings.ToUpper(hostname[:1]) + hostname[1:]
}
