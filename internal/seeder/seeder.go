package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"time"

	"pulse/internal/events"
	"pulse/internal/pkg/referrers"
	ua "pulse/internal/pkg/user_agent"
	"pulse/internal/visitors"
)

// Seeder writes synthetic page views spread over a number of past days, for
// demos and load checks.
type Seeder struct {
	Store      *events.Store
	Logger     *slog.Logger
	EventCount int
	Days       int
	Domain     string

	rng *rand.Rand
	now func() time.Time
}

// NewSeeder creates a seeder. seed makes the generated data reproducible.
func NewSeeder(store *events.Store, logger *slog.Logger, eventCount, days int, seed uint64) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if days < 1 {
		days = 1
	}
	return &Seeder{
		Store:      store,
		Logger:     logger,
		EventCount: eventCount,
		Days:       days,
		Domain:     "example.com",
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Result describes what Run generated.
type Result struct {
	Events   int
	Sessions int
	Earliest time.Time
}

var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/blog/article-1"},
	{"/"},
}

var pageTitles = map[string]string{
	"/":                     "Home",
	"/about":                "About us",
	"/contact":              "Contact",
	"/features":             "Features",
	"/pricing":              "Pricing",
	"/signup":               "Sign up",
	"/blog":                 "Blog",
	"/blog/article-1":       "Shipping faster with small teams",
	"/blog/article-2":       "What we learned from our first year",
	"/products":             "Products",
	"/products/widget-a":    "Widget A",
	"/products/gadget-b":    "Gadget B",
	"/docs":                 "Documentation",
	"/docs/getting-started": "Getting started",
	"/docs/api-reference":   "API reference",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

var referrerURLs = []string{
	"", // direct
	"",
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://www.facebook.com/",
	"https://t.co/abc123",
	"https://www.linkedin.com/feed/",
	"https://github.com/example/project",
	"https://some-other-website.com/blog/post",
}

var locations = []struct{ country, city string }{
	{"US", "New York"},
	{"US", "San Francisco"},
	{"GB", "London"},
	{"DE", "Berlin"},
	{"FR", "Paris"},
	{"ES", "Madrid"},
	{"JP", "Tokyo"},
	{"BR", "São Paulo"},
	{"", ""}, // unresolved
}

// Run generates roughly EventCount page views grouped into sessions and
// stores them in batches.
func (s *Seeder) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.Logger.Info("Starting event seeding", slog.Int("eventCount", s.EventCount), slog.Int("days", s.Days))

	now := s.now()
	window := time.Duration(s.Days) * 24 * time.Hour
	result := &Result{Earliest: now}

	var batch []*events.Event
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.Store.AppendBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for result.Events < s.EventCount {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		sessionEvents := s.session(now, window, result.Sessions)
		for _, event := range sessionEvents {
			if event.CreatedAt.Before(result.Earliest) {
				result.Earliest = event.CreatedAt
			}
		}
		batch = append(batch, sessionEvents...)
		result.Events += len(sessionEvents)
		result.Sessions++

		if len(batch) >= 500 {
			if err := flush(); err != nil {
				return result, fmt.Errorf("failed to store seeded events: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return result, fmt.Errorf("failed to store seeded events: %w", err)
	}

	s.Logger.Info("Seeding completed",
		slog.Int("events", result.Events),
		slog.Int("sessions", result.Sessions),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

// session builds the page views of one visitor journey.
func (s *Seeder) session(now time.Time, window time.Duration, n int) []*events.Event {
	journey := journeyTemplates[s.rng.IntN(len(journeyTemplates))]
	agent := ua.ParseUserAgent(userAgents[s.rng.IntN(len(userAgents))])
	referrer := referrerURLs[s.rng.IntN(len(referrerURLs))]
	location := locations[s.rng.IntN(len(locations))]
	sessionID := fmt.Sprintf("seed.%d.%d", now.Unix(), n)
	ipHash := fmt.Sprintf("%064x", s.rng.Uint64())

	// Leave room for the whole journey before now.
	maxOffset := int64(window) - int64(time.Duration(len(journey))*2*time.Minute)
	if maxOffset < 1 {
		maxOffset = 1
	}
	at := now.Add(-time.Duration(s.rng.Int64N(maxOffset))).Add(-time.Duration(len(journey)) * 2 * time.Minute)

	seen := map[string]bool{}
	out := make([]*events.Event, 0, len(journey))
	for i, path := range journey {
		if i > 0 {
			at = at.Add(time.Duration(s.rng.IntN(110)+10) * time.Second)
		}
		pageURL := (&url.URL{Scheme: "https", Host: s.Domain, Path: path}).String()

		event := &events.Event{
			PageURL:         pageURL,
			PageTitle:       pageTitles[path],
			UserAgent:       agent.UserAgent,
			DeviceType:      agent.DeviceType,
			Browser:         agent.Browser,
			BrowserVersion:  agent.BrowserVersion,
			OS:              agent.OS,
			CountryCode:     location.country,
			City:            location.city,
			IPHash:          ipHash,
			SessionID:       sessionID,
			IsUniqueVisitor: !seen[pageURL],
			CreatedAt:       at,
		}
		if i == 0 && referrer != "" {
			event.Referrer = referrer
			event.ReferrerDomain = referrers.Domain(referrer)
		}
		seen[pageURL] = true
		out = append(out, event)
	}

	if !visitors.ValidSessionID(sessionID) {
		s.Logger.Warn("Generated invalid session id", slog.String("session_id", sessionID))
	}
	return out
}
