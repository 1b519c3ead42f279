package user_agent

import (
	"embed"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

// Device types stored on events.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	Unknown       = "unknown"
)

// UserAgent is the best-effort classification of a User-Agent header.
type UserAgent struct {
	UserAgent      string
	DeviceType     string
	Browser        string
	BrowserVersion string
	OS             string
	Bot            bool
}

//go:embed database/rules.yml
var databaseFiles embed.FS

type browserEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type osEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

type deviceEntry struct {
	Regex  string `yaml:"regex"`
	Device string `yaml:"device"`
}

type botEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

type ruleFile struct {
	Bots     []botEntry     `yaml:"bots"`
	Browsers []browserEntry `yaml:"browsers"`
	OSs      []osEntry      `yaml:"oss"`
	Devices  []deviceEntry  `yaml:"devices"`
}

type compiledRule struct {
	re      *pcre.Regexp
	name    string
	version string
}

// fallbackRule is a plain substring rule used when the embedded rule table
// cannot be loaded or compiled.
type fallbackRule struct {
	needle string
	name   string
}

var (
	fallbackBrowsers = []fallbackRule{
		{"Edg", "Edge"},
		{"OPR/", "Opera"},
		{"Firefox/", "Firefox"},
		{"Chrome/", "Chrome"},
		{"Safari/", "Safari"},
	}
	fallbackOSs = []fallbackRule{
		{"Windows", "Windows"},
		{"iPad", "iPadOS"},
		{"iPhone", "iOS"},
		{"Android", "Android"},
		{"Mac OS X", "macOS"},
		{"Linux", "Linux"},
	}
	fallbackDevices = []fallbackRule{
		{"ipad", DeviceTablet},
		{"tablet", DeviceTablet},
		{"mobile", DeviceMobile},
		{"iphone", DeviceMobile},
		{"android", DeviceMobile},
	}
	fallbackBots = []string{"bot", "crawl", "spider", "slurp", "headless"}
)

type parser struct {
	bots     []compiledRule
	browsers []compiledRule
	oss      []compiledRule
	devices  []compiledRule
	ok       bool
}

var (
	defaultParser *parser
	once          sync.Once
)

func getParser() *parser {
	once.Do(func() {
		defaultParser = loadParser()
	})
	return defaultParser
}

func loadParser() *parser {
	p := &parser{}

	data, err := databaseFiles.ReadFile("database/rules.yml")
	if err != nil {
		slog.Default().Warn("user agent rules unavailable, using fallback table", slog.Any("error", err))
		return p
	}

	var rules ruleFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		slog.Default().Warn("user agent rules invalid, using fallback table", slog.Any("error", err))
		return p
	}

	compile := func(pattern, name, version string) (compiledRule, bool) {
		re, err := pcre.Compile(pattern)
		if err != nil {
			slog.Default().Warn("skipping user agent rule", slog.String("regex", pattern), slog.Any("error", err))
			return compiledRule{}, false
		}
		return compiledRule{re: re, name: name, version: version}, true
	}

	for _, b := range rules.Bots {
		if r, ok := compile(b.Regex, b.Name, ""); ok {
			p.bots = append(p.bots, r)
		}
	}
	for _, b := range rules.Browsers {
		if r, ok := compile(b.Regex, b.Name, b.Version); ok {
			p.browsers = append(p.browsers, r)
		}
	}
	for _, o := range rules.OSs {
		if r, ok := compile(o.Regex, o.Name, ""); ok {
			p.oss = append(p.oss, r)
		}
	}
	for _, d := range rules.Devices {
		if r, ok := compile(d.Regex, d.Device, ""); ok {
			p.devices = append(p.devices, r)
		}
	}

	p.ok = len(p.browsers) > 0 && len(p.oss) > 0 && len(p.devices) > 0
	return p
}

// match returns the name and expanded version of the first matching rule.
func match(rules []compiledRule, userAgent string) (string, string, bool) {
	for _, rule := range rules {
		matches := rule.re.FindStringSubmatch(userAgent)
		if len(matches) == 0 {
			continue
		}
		version := rule.version
		for i := len(matches) - 1; i >= 1; i-- {
			version = strings.ReplaceAll(version, "$"+strconv.Itoa(i), matches[i])
		}
		return rule.name, version, true
	}
	return "", "", false
}

func matchFallback(rules []fallbackRule, haystack string) (string, bool) {
	for _, rule := range rules {
		if strings.Contains(haystack, rule.needle) {
			return rule.name, true
		}
	}
	return "", false
}

// ParseUserAgent classifies a User-Agent string. It never fails: anything it
// cannot recognise is reported as an unknown browser and OS on a desktop.
func ParseUserAgent(userAgent string) UserAgent {
	result := UserAgent{
		UserAgent:  userAgent,
		DeviceType: DeviceDesktop,
		Browser:    Unknown,
		OS:         Unknown,
	}

	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return result
	}

	p := getParser()
	if !p.ok {
		return parseWithFallback(result, ua)
	}

	if _, _, isBot := match(p.bots, ua); isBot {
		result.Bot = true
	}
	if name, version, ok := match(p.browsers, ua); ok {
		result.Browser = name
		result.BrowserVersion = version
	}
	if name, _, ok := match(p.oss, ua); ok {
		result.OS = name
	}
	if device, _, ok := match(p.devices, ua); ok {
		result.DeviceType = device
	}

	return result
}

func parseWithFallback(result UserAgent, ua string) UserAgent {
	lower := strings.ToLower(ua)

	for _, needle := range fallbackBots {
		if strings.Contains(lower, needle) {
			result.Bot = true
			break
		}
	}
	if name, ok := matchFallback(fallbackBrowsers, ua); ok {
		result.Browser = name
	}
	if name, ok := matchFallback(fallbackOSs, ua); ok {
		result.OS = name
	}
	if device, ok := matchFallback(fallbackDevices, lower); ok {
		result.DeviceType = device
	}
	return result
}
