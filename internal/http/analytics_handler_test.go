package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal"
	"pulse/internal/config"
	"pulse/internal/testsupport"
)

const testAPIKey = "admin-key-for-tests"

func request(t *testing.T, app *fiber.App, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 30000)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", string(raw))
	return out
}

// aggregated returns an app whose summary tables hold two page views on
// today's /pricing row.
func aggregated(t *testing.T) (*fiber.App, *internal.Services) {
	t.Helper()
	app, services := testsupport.CreateTestApp(t)
	now := time.Now().UTC()
	testsupport.CreateEvent(t, services.DBManager, "s1", "/pricing", now.Add(-2*time.Minute), testsupport.WithTitle("Pricing"))
	testsupport.CreateEvent(t, services.DBManager, "s2", "/pricing", now.Add(-time.Minute), testsupport.WithReferrer("https://news.ycombinator.com/", "news.ycombinator.com"))

	_, err := services.Aggregation.Run(context.Background())
	require.NoError(t, err)
	return app, services
}

func TestStatsAction(t *testing.T) {
	t.Run("pages", func(t *testing.T) {
		app, _ := aggregated(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/stats?stat_type=pages", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		pages := decode[[]map[string]any](t, resp)
		require.Len(t, pages, 1)
		assert.Equal(t, "/pricing", pages[0]["page_url"])
		assert.Equal(t, "Pricing", pages[0]["page_title"])
		assert.Equal(t, 2.0, pages[0]["views"])
	})

	t.Run("overview is the default", func(t *testing.T) {
		app, _ := aggregated(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/stats", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		assert.Equal(t, 2.0, body["total_views"])
		assert.Equal(t, 2.0, body["total_unique_visitors"])
	})

	t.Run("invalid stat type", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/stats?stat_type=funnels", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		assert.Equal(t, "invalid_stat_type", body["code"])
		assert.Equal(t, false, body["success"])
	})

	t.Run("invalid dates", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		for _, query := range []string{
			"start_date=yesterday",
			"end_date=2025-13-01",
			"start_date=2025-06-10&end_date=2025-06-01",
		} {
			resp := request(t, app, http.MethodGet, "/api/v1/analytics/stats?stat_type=pages&"+query, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
			assert.Equal(t, "invalid_date_range", decode[map[string]any](t, resp)["code"], query)
		}
	})
}

func TestChartAction(t *testing.T) {
	app, _ := aggregated(t)
	today := time.Now().UTC().Format("2006-01-02")

	resp := request(t, app, http.MethodGet, "/api/v1/analytics/chart?chart_type=both&start_date="+today+"&end_date="+today, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1.0, body["total_points"])

	data := body["data"].(map[string]any)
	assert.Equal(t, []any{today}, data["labels"])
	assert.Len(t, data["datasets"], 2)

	resp = request(t, app, http.MethodGet, "/api/v1/analytics/chart?chart_type=pie", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_chart_type", decode[map[string]any](t, resp)["code"])
}

func TestActiveUsersAction(t *testing.T) {
	app, services := testsupport.CreateTestApp(t)
	now := time.Now().UTC()
	testsupport.CreateEvent(t, services.DBManager, "recent", "/", now.Add(-time.Minute))
	testsupport.CreateEvent(t, services.DBManager, "stale", "/", now.Add(-time.Hour))

	resp := request(t, app, http.MethodGet, "/api/v1/analytics/active-users?timezone=Europe/Berlin", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))
	assert.Equal(t, "0", resp.Header.Get("Expires"))

	body := decode[map[string]any](t, resp)
	assert.Equal(t, 1.0, body["active_users"])
	assert.Equal(t, "Europe/Berlin", body["browser_timezone"])
	assert.Equal(t, "5 minutes", body["timeframe"])
}

func TestSummaryAction(t *testing.T) {
	t.Run("before the first aggregation", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/summary", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := decode[map[string]any](t, resp)["data"].(map[string]any)
		assert.Equal(t, "7d", data["period"])
		assert.Nil(t, data["updated_at"])
		assert.Equal(t, 0.0, data["total_views"])
	})

	t.Run("after aggregation", func(t *testing.T) {
		app, _ := aggregated(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/summary?period=all_time", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := decode[map[string]any](t, resp)["data"].(map[string]any)
		assert.Equal(t, "overview_all_time", data["key"])
		assert.Equal(t, 2.0, data["total_views"])
		assert.Equal(t, 1.0, data["unique_pages"])
		assert.NotNil(t, data["updated_at"])
	})

	t.Run("unknown period", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/summary?period=90d", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_period", decode[map[string]any](t, resp)["code"])
	})
}

func TestSettingsActions(t *testing.T) {
	t.Run("get lists stored settings", func(t *testing.T) {
		app, _ := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodGet, "/api/v1/analytics/settings", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Equal(t, "true", body["analytics_enabled"])
		assert.Equal(t, "30", body["retention_days"])
	})

	t.Run("nested update", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodPost, "/api/v1/analytics/settings", `{"settings":{"retention_days":90,"excluded_ips":"10.0.0.1, 10.0.0.2"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, 90.0, body["settings"].(map[string]any)["retention_days"])

		snap, err := services.Settings.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, 90, snap.RetentionDays)
		assert.True(t, snap.IsIPExcluded("10.0.0.2"))
	})

	t.Run("flat update", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		resp := request(t, app, http.MethodPost, "/api/v1/analytics/settings", `{"analytics_enabled":false}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		snap, err := services.Settings.Snapshot()
		require.NoError(t, err)
		assert.False(t, snap.AnalyticsEnabled)
		assert.Equal(t, 30, snap.RetentionDays)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		app, services := testsupport.CreateTestApp(t)

		for _, body := range []string{
			`{"retention_days":0}`,
			`{"settings":{"retention_days":5000}}`,
			`{"excluded_ips":"not-an-ip"}`,
			`[1,2,3]`,
		} {
			resp := request(t, app, http.MethodPost, "/api/v1/analytics/settings", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			assert.Equal(t, "invalid_settings", decode[map[string]any](t, resp)["code"], body)
		}

		snap, err := services.Settings.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, 30, snap.RetentionDays)
	})
}

func TestAdminAPIKey(t *testing.T) {
	app, _ := testsupport.CreateTestApp(t, func(cfg *config.Config) { cfg.AdminAPIKey = testAPIKey })

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testAPIKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer " + testAPIKey, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/summary", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, 30000)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	t.Run("tracking stays public", func(t *testing.T) {
		resp := request(t, app, http.MethodOptions, "/api/v1/analytics/track", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestSystemRoutes(t *testing.T) {
	app, services := testsupport.CreateTestApp(t)

	t.Run("health", func(t *testing.T) {
		resp := request(t, app, http.MethodGet, "/_health", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[map[string]any](t, resp)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "ok", body["db_status"])
		assert.Equal(t, float64(services.Buffer.Len()), body["buffered_events"])
	})

	t.Run("metrics", func(t *testing.T) {
		request(t, app, http.MethodGet, "/_health", "")

		resp := request(t, app, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "pulse_http_requests_total")
		assert.Contains(t, string(raw), "go_goroutines")
	})
}
