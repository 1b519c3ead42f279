// Package v1_test contains tests for the API v1 handlers
package v1_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal"
	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/settings"
	"pulse/internal/testsupport"
	"pulse/internal/visitors"
)

const (
	trackPath  = "/api/v1/analytics/track"
	beaconPath = "/api/v1/analytics/track/beacon"
	chromeUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
)

func postJSON(t *testing.T, app *fiber.App, path string, payload any, ip string) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := app.Test(req, 30000)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), "body: %s", string(body))
	return out
}

func countEvents(t *testing.T, services *internal.Services) int64 {
	t.Helper()
	var n int64
	require.NoError(t, services.DBManager.GetConnection().Model(&events.Event{}).Count(&n).Error)
	return n
}

func TestTrackHandler(t *testing.T) {
	t.Run("stores a page view and mints a session", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		resp := postJSON(t, app, trackPath, map[string]any{
			"page_url":   "https://example.com/pricing",
			"page_title": "Pricing",
			"referrer":   "https://www.google.com/search?q=pulse",
		}, "203.0.113.10")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, true, body["success"])
		assert.NotZero(t, body["pageview_id"])
		assert.Equal(t, true, body["is_unique_visitor"])

		sessionID, _ := body["session_id"].(string)
		assert.True(t, visitors.ValidSessionID(sessionID))

		var cookie *http.Cookie
		for _, c := range resp.Cookies() {
			if c.Name == visitors.SessionCookieName {
				cookie = c
			}
		}
		require.NotNil(t, cookie, "session cookie should be set")
		assert.Equal(t, sessionID, cookie.Value)
		assert.True(t, cookie.HttpOnly)

		var stored events.Event
		require.NoError(t, services.DBManager.GetConnection().First(&stored).Error)
		assert.Equal(t, "https://example.com/pricing", stored.PageURL)
		assert.Equal(t, "google.com", stored.ReferrerDomain)
		assert.Equal(t, "Chrome", stored.Browser)
		assert.Len(t, stored.IPHash, 64)
		assert.NotContains(t, stored.IPHash, "203.0.113.10")
	})

	t.Run("second view of the same page in a session is not unique", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)
		payload := map[string]any{"page_url": "https://example.com/", "session_id": "abc.123"}

		first := decode(t, postJSON(t, app, trackPath, payload, "203.0.113.11"))
		second := decode(t, postJSON(t, app, trackPath, payload, "203.0.113.11"))

		assert.Equal(t, true, first["is_unique_visitor"])
		assert.Equal(t, false, second["is_unique_visitor"])
		assert.Equal(t, "abc.123", second["session_id"])
	})

	t.Run("keeps a valid session id without setting a cookie", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		resp := postJSON(t, app, trackPath, map[string]any{"page_url": "/docs", "session_id": "abc.123"}, "203.0.113.12")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		for _, c := range resp.Cookies() {
			assert.NotEqual(t, visitors.SessionCookieName, c.Name)
		}
	})

	t.Run("rejects invalid payloads with specific codes", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		tests := []struct {
			name    string
			payload map[string]any
			code    string
		}{
			{"missing url", map[string]any{"page_title": "x"}, events.CodeMissingPageURL},
			{"bad scheme", map[string]any{"page_url": "ftp://example.com/"}, events.CodeInvalidPageURL},
			{"url too long", map[string]any{"page_url": "https://example.com/" + strings.Repeat("a", events.MaxPageURLLength)}, events.CodeURLTooLong},
			{"title too long", map[string]any{"page_url": "/", "page_title": strings.Repeat("t", events.MaxPageTitleLength+1)}, events.CodeTitleTooLong},
			{"relative referrer", map[string]any{"page_url": "/", "referrer": "not a url"}, events.CodeInvalidReferrer},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := postJSON(t, app, trackPath, tt.payload, "203.0.113.13")
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
				body := decode(t, resp)
				assert.Equal(t, false, body["success"])
				assert.Equal(t, tt.code, body["code"])
			})
		}
		assert.Zero(t, countEvents(t, services))
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		req := httptest.NewRequest(http.MethodPost, trackPath, strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, 30000)
		require.NoError(t, err)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, events.CodeInvalidPayload, decode(t, resp)["code"])
	})

	t.Run("accepts form bodies", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		form := url.Values{"page_url": {"https://example.com/form"}}
		req := httptest.NewRequest(http.MethodPost, trackPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", "203.0.113.14")
		resp, err := app.Test(req, 30000)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(1), countEvents(t, services))
	})

	t.Run("rate limits per client with Retry-After", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t, func(cfg *config.Config) {
			cfg.RateLimitMax = 2
			cfg.RateLimitWindowSeconds = 60
		})
		payload := map[string]any{"page_url": "https://example.com/"}

		for i := 0; i < 2; i++ {
			resp := postJSON(t, app, trackPath, payload, "203.0.113.20")
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}

		resp := postJSON(t, app, trackPath, payload, "203.0.113.20")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		retryAfter, err := strconv.Atoi(resp.Header.Get(fiber.HeaderRetryAfter))
		require.NoError(t, err)
		assert.Positive(t, retryAfter)
		assert.LessOrEqual(t, retryAfter, 60)
		assert.Equal(t, events.CodeRateLimited, decode(t, resp)["code"])

		// Another client still has its own budget.
		resp = postJSON(t, app, trackPath, payload, "203.0.113.21")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int64(3), countEvents(t, services))
	})

	t.Run("returns 404 while analytics is disabled", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)
		disabled := false
		_, err := services.Settings.Update(settings.UpdateInput{AnalyticsEnabled: &disabled})
		require.NoError(t, err)

		resp := postJSON(t, app, trackPath, map[string]any{"page_url": "/"}, "203.0.113.30")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, events.CodeAnalyticsOffline, decode(t, resp)["code"])

		enabled := true
		_, err = services.Settings.Update(settings.UpdateInput{AnalyticsEnabled: &enabled})
		require.NoError(t, err)

		resp = postJSON(t, app, trackPath, map[string]any{"page_url": "/"}, "203.0.113.30")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("acknowledges but ignores excluded IPs and bots", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)
		excluded := "203.0.113.40"
		_, err := services.Settings.Update(settings.UpdateInput{ExcludedIPs: &excluded})
		require.NoError(t, err)

		resp := postJSON(t, app, trackPath, map[string]any{"page_url": "/"}, "203.0.113.40")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, decode(t, resp)["ignored"])

		resp = postJSON(t, app, trackPath, map[string]any{
			"page_url":   "/",
			"user_agent": "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		}, "203.0.113.41")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, decode(t, resp)["ignored"])

		assert.Zero(t, countEvents(t, services))
	})
}

func TestBeaconHandler(t *testing.T) {
	t.Run("queues the page view until the buffer flushes", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		resp := postJSON(t, app, beaconPath, map[string]any{"page_url": "https://example.com/blog", "session_id": "beacon.1"}, "203.0.113.50")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, true, body["queued"])

		assert.Equal(t, 1, services.Buffer.Len())
		assert.Zero(t, countEvents(t, services))

		n, err := services.Buffer.Flush(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, int64(1), countEvents(t, services))
	})

	t.Run("accepts JSON sent as text/plain", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		req := httptest.NewRequest(http.MethodPost, beaconPath, strings.NewReader(`{"page_url":"/about"}`))
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		req.Header.Set("X-Forwarded-For", "203.0.113.51")
		resp, err := app.Test(req, 30000)
		require.NoError(t, err)

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, 1, services.Buffer.Len())
	})

	t.Run("buffered views count against uniqueness", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)
		payload := map[string]any{"page_url": "/pricing", "session_id": "beacon.2"}

		postJSON(t, app, beaconPath, payload, "203.0.113.52")
		postJSON(t, app, beaconPath, payload, "203.0.113.52")
		_, err := services.Buffer.Flush(t.Context())
		require.NoError(t, err)

		var uniques int64
		require.NoError(t, services.DBManager.GetConnection().Model(&events.Event{}).
			Where("is_unique_visitor = ?", true).Count(&uniques).Error)
		assert.Equal(t, int64(1), uniques)
		assert.Equal(t, int64(2), countEvents(t, services))
	})
}

func TestPreflight(t *testing.T) {
	app, _ := testsupport.CreateTestApp(t)

	for _, path := range []string{trackPath, beaconPath} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")

		resp, err := app.Test(req, 30000)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"), path)
	}
}
