package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ActiveWindow is how far back a session counts as active.
const ActiveWindow = 5 * time.Minute

// maxClockSkew bounds how far a browser clock may drift from the server
// before its hint is ignored.
const maxClockSkew = 24 * time.Hour

// SessionCounter counts distinct sessions seen since a point in time.
type SessionCounter interface {
	CountDistinctSessions(ctx context.Context, since time.Time) (int64, error)
}

// ClockHint is the optional browser clock sent by the dashboard.
type ClockHint struct {
	Timezone    string
	BrowserTime string
}

// ResolveNow returns the instant "now" used for the active window. A usable
// hint replaces serverNow; otherwise serverNow is returned with the reason
// the hint was rejected.
func ResolveNow(serverNow time.Time, hint ClockHint) (time.Time, error) {
	if strings.TrimSpace(hint.BrowserTime) == "" {
		return serverNow, nil
	}

	loc := time.UTC
	if hint.Timezone != "" {
		l, err := time.LoadLocation(hint.Timezone)
		if err != nil {
			return serverNow, fmt.Errorf("unknown timezone %q: %w", hint.Timezone, err)
		}
		loc = l
	}

	browserNow, err := parseBrowserTime(strings.TrimSpace(hint.BrowserTime), loc)
	if err != nil {
		return serverNow, err
	}

	skew := browserNow.Sub(serverNow)
	if skew < 0 {
		skew = -skew
	}
	if skew >= maxClockSkew {
		return serverNow, fmt.Errorf("browser time %s is %s away from server time", browserNow.Format(time.RFC3339), skew)
	}
	return browserNow.UTC(), nil
}

func parseBrowserTime(raw string, loc *time.Location) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable browser time %q", raw)
}

// ActiveUsers counts distinct sessions in the trailing ActiveWindow.
func ActiveUsers(ctx context.Context, counter SessionCounter, serverNow time.Time, hint ClockHint, logger *slog.Logger) (int64, error) {
	now, err := ResolveNow(serverNow, hint)
	if err != nil {
		logger.Warn("Ignoring browser clock hint", slog.Any("error", err), slog.String("timezone", hint.Timezone))
	}

	count, err := counter.CountDistinctSessions(ctx, now.Add(-ActiveWindow))
	if err != nil {
		return 0, err
	}
	return count, nil
}
