package events

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"pulse/internal/metrics"
	"pulse/internal/pkg/geoip"
	"pulse/internal/pkg/ratelimit"
	"pulse/internal/pkg/referrers"
	ua "pulse/internal/pkg/user_agent"
	"pulse/internal/settings"
	"pulse/internal/visitors"
)

// Ingestion routes, used as metric labels.
const (
	RouteTrack  = "track"
	RouteBeacon = "beacon"
)

// SettingsSource provides the current settings snapshot.
type SettingsSource interface {
	Snapshot() (settings.Snapshot, error)
}

// TrackInput is one page view as submitted by a browser, plus the client IP
// and the User-Agent header seen by the server.
type TrackInput struct {
	PageURL   string `json:"page_url" form:"page_url"`
	PageTitle string `json:"page_title" form:"page_title"`
	Referrer  string `json:"referrer" form:"referrer"`
	UserAgent string `json:"user_agent" form:"user_agent"`
	SessionID string `json:"session_id" form:"session_id"`

	ClientIP        string `json:"-" form:"-"`
	HeaderUserAgent string `json:"-" form:"-"`
}

// TrackResult describes what ingestion did with a page view.
type TrackResult struct {
	PageviewID      uint
	SessionID       string
	SessionMinted   bool
	IsUniqueVisitor bool
	// Ignored is set when the request was acknowledged but filtered out.
	Ignored bool
	// Queued is set when the event went to the batch buffer.
	Queued bool
}

// TrackerOptions wires the collaborators of a Tracker. Nil optional fields
// fall back to no-op implementations.
type TrackerOptions struct {
	Store    *Store
	Buffer   *Buffer
	Settings SettingsSource
	Limiter  ratelimit.Limiter
	Hasher   *visitors.IPHasher
	Sessions *visitors.SessionResolver
	Geo      geoip.Resolver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Tracker validates, filters and enriches page views before they reach the
// store or the buffer.
type Tracker struct {
	store    *Store
	buffer   *Buffer
	settings SettingsSource
	limiter  ratelimit.Limiter
	hasher   *visitors.IPHasher
	sessions *visitors.SessionResolver
	geo      geoip.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewTracker(opts TrackerOptions) *Tracker {
	t := &Tracker{
		store:    opts.Store,
		buffer:   opts.Buffer,
		settings: opts.Settings,
		limiter:  opts.Limiter,
		hasher:   opts.Hasher,
		sessions: opts.Sessions,
		geo:      opts.Geo,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if t.limiter == nil {
		t.limiter = ratelimit.Noop{}
	}
	if t.sessions == nil {
		t.sessions = visitors.NewSessionResolver(nil)
	}
	if t.geo == nil {
		t.geo = geoip.NopResolver{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	return t
}

// Track validates and stores one page view synchronously.
func (t *Tracker) Track(ctx context.Context, input TrackInput) (TrackResult, error) {
	event, result, err := t.prepare(ctx, RouteTrack, input)
	if err != nil || result.Ignored {
		return result, err
	}

	unique, err := t.isUnique(ctx, event, false)
	if err != nil {
		t.logger.Error("Failed to check visitor uniqueness", slog.Any("error", err))
		t.metrics.IngestResult(RouteTrack, metrics.ResultFailed)
		return result, err
	}
	event.IsUniqueVisitor = unique

	id, err := t.store.Append(ctx, event)
	if err != nil {
		t.logger.Error("Failed to store page view", slog.Any("error", err), slog.String("page_url", event.PageURL))
		t.metrics.IngestResult(RouteTrack, metrics.ResultFailed)
		return result, err
	}

	result.PageviewID = id
	result.IsUniqueVisitor = unique
	t.metrics.IngestResult(RouteTrack, metrics.ResultStored)
	return result, nil
}

// Enqueue validates one page view and hands it to the batch buffer.
func (t *Tracker) Enqueue(ctx context.Context, input TrackInput) (TrackResult, error) {
	event, result, err := t.prepare(ctx, RouteBeacon, input)
	if err != nil || result.Ignored {
		return result, err
	}

	unique, err := t.isUnique(ctx, event, true)
	if err != nil {
		t.logger.Error("Failed to check visitor uniqueness", slog.Any("error", err))
		t.metrics.IngestResult(RouteBeacon, metrics.ResultFailed)
		return result, err
	}
	event.IsUniqueVisitor = unique

	if err := t.buffer.Add(ctx, event); err != nil {
		t.logger.Warn("Failed to queue page view", slog.Any("error", err))
		t.metrics.IngestResult(RouteBeacon, metrics.ResultFailed)
		return result, err
	}

	result.Queued = true
	result.IsUniqueVisitor = unique
	t.metrics.IngestResult(RouteBeacon, metrics.ResultQueued)
	return result, nil
}

// prepare runs validation, rate limiting, filtering and enrichment shared by
// both routes. A nil event with Ignored set means the request is acknowledged
// but not recorded.
func (t *Tracker) prepare(ctx context.Context, route string, input TrackInput) (*Event, TrackResult, error) {
	var result TrackResult

	snap, err := t.settings.Snapshot()
	if err != nil {
		t.logger.Error("Failed to load settings for tracking", slog.Any("error", err))
		t.metrics.IngestResult(route, metrics.ResultFailed)
		return nil, result, err
	}
	if !snap.AnalyticsEnabled {
		return nil, result, ErrAnalyticsDisabled
	}

	if err := ValidateInput(input); err != nil {
		t.metrics.IngestResult(route, metrics.ResultRejected)
		return nil, result, err
	}

	ipHash := t.hasher.Hash(input.ClientIP)

	decision, err := t.limiter.Allow(ctx, ipHash)
	if err != nil {
		// The limiter backend being unavailable must not stop ingestion.
		t.logger.Warn("Rate limiter unavailable, allowing request", slog.Any("error", err))
	} else if !decision.Allowed {
		t.metrics.IngestResult(route, metrics.ResultRateLimited)
		return nil, result, &RateLimitError{RetryAfterSeconds: int(math.Ceil(decision.RetryAfter.Seconds()))}
	}

	if snap.IsIPExcluded(input.ClientIP) {
		t.logger.Debug("Skipping page view for excluded IP")
		t.metrics.IngestResult(route, metrics.ResultIgnored)
		return nil, TrackResult{Ignored: true}, nil
	}

	rawUA := input.UserAgent
	if rawUA == "" {
		rawUA = input.HeaderUserAgent
	}
	agent := ua.ParseUserAgent(rawUA)
	if snap.ExcludeBots && agent.Bot {
		t.logger.Debug("Skipping page view from bot", slog.String("browser", agent.Browser))
		t.metrics.IngestResult(route, metrics.ResultIgnored)
		return nil, TrackResult{Ignored: true}, nil
	}

	session, err := t.sessions.Resolve(input.SessionID)
	if err != nil {
		t.logger.Error("Failed to mint session id", slog.Any("error", err))
		t.metrics.IngestResult(route, metrics.ResultFailed)
		return nil, result, err
	}
	result.SessionID = session.ID
	result.SessionMinted = session.Minted

	location := t.geo.Lookup(input.ClientIP)

	event := &Event{
		PageURL:        input.PageURL,
		PageTitle:      strings.TrimSpace(input.PageTitle),
		Referrer:       input.Referrer,
		ReferrerDomain: referrers.Domain(input.Referrer),
		UserAgent:      rawUA,
		DeviceType:     agent.DeviceType,
		Browser:        agent.Browser,
		BrowserVersion: agent.BrowserVersion,
		OS:             agent.OS,
		CountryCode:    location.CountryCode,
		City:           location.City,
		IPHash:         ipHash,
		SessionID:      session.ID,
		CreatedAt:      t.now().UTC(),
	}
	return event, result, nil
}

func (t *Tracker) isUnique(ctx context.Context, event *Event, includeBuffer bool) (bool, error) {
	since := event.CreatedAt.Add(-visitors.UniquenessWindow)
	if includeBuffer && t.buffer != nil && t.buffer.HasPending(event.SessionID, event.PageURL, since) {
		return false, nil
	}
	seen, err := t.store.HasRecentView(ctx, event.SessionID, event.PageURL, since)
	if err != nil {
		return false, err
	}
	return !seen, nil
}

// ValidateInput checks presence, length and shape of the submitted fields.
func ValidateInput(input TrackInput) error {
	if strings.TrimSpace(input.PageURL) == "" {
		return newValidationError(CodeMissingPageURL, "page URL is required")
	}
	if len(input.PageURL) > MaxPageURLLength {
		return newValidationError(CodeURLTooLong, "page URL exceeds %d characters", MaxPageURLLength)
	}
	if len(input.PageTitle) > MaxPageTitleLength {
		return newValidationError(CodeTitleTooLong, "page title exceeds %d characters", MaxPageTitleLength)
	}
	if len(input.Referrer) > MaxReferrerLength {
		return newValidationError(CodeReferrerTooLong, "referrer exceeds %d characters", MaxReferrerLength)
	}
	if !validPageURL(input.PageURL) {
		return newValidationError(CodeInvalidPageURL, "page URL must be an absolute http(s) URL or a path")
	}
	if input.Referrer != "" && !validReferrer(input.Referrer) {
		return newValidationError(CodeInvalidReferrer, "referrer must be an absolute URL")
	}
	return nil
}

func validPageURL(raw string) bool {
	if strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		_, err := url.ParseRequestURI(raw)
		return err == nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validReferrer(raw string) bool {
	if strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// IsValidationError reports whether err is a *ValidationError and returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
