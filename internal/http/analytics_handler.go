package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"pulse/internal/analytics"
	"pulse/internal/events"
	"pulse/internal/settings"
	"pulse/internal/timeframe"
)

// Error codes of the admin API.
const (
	codeInvalidDateRange = "invalid_date_range"
	codeInvalidStatType  = "invalid_stat_type"
	codeInvalidChartType = "invalid_chart_type"
	codeInvalidPeriod    = "invalid_period"
	codeInvalidSettings  = "invalid_settings"
	codeAnalyticsError   = "analytics_error"
)

// AnalyticsHandler serves the admin query and settings API.
type AnalyticsHandler struct {
	settings *settings.Store
	events   *events.Store
	parser   *timeframe.DateRangeParser
	now      func() time.Time
}

func NewAnalyticsHandler(settingsStore *settings.Store, eventStore *events.Store, clock timeframe.TimeProvider) *AnalyticsHandler {
	if clock == nil {
		clock = &timeframe.DefaultTimeProvider{}
	}
	return &AnalyticsHandler{
		settings: settingsStore,
		events:   eventStore,
		parser:   timeframe.NewDateRangeParser(clock),
		now:      func() time.Time { return clock.Now(time.UTC) },
	}
}

func (h *AnalyticsHandler) queryParams(ctx *cartridge.Context) (analytics.QueryParams, error) {
	dateRange, err := h.parser.Parse(timeframe.DateRangeParams{
		StartDate: ctx.Query("start_date"),
		EndDate:   ctx.Query("end_date"),
	})
	if err != nil {
		return analytics.QueryParams{}, err
	}
	return analytics.QueryParams{Range: dateRange, PageURL: ctx.Query("page_url")}, nil
}

// StatsAction returns one breakdown selected by stat_type.
func (h *AnalyticsHandler) StatsAction(ctx *cartridge.Context) error {
	statType, err := analytics.ParseStatType(ctx.Query("stat_type"))
	if err != nil {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, "Invalid stat type", codeInvalidStatType)
	}

	params, err := h.queryParams(ctx)
	if err != nil {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, err.Error(), codeInvalidDateRange)
	}

	data, err := analytics.Stats(ctx.Context(), ctx.DB(), statType, params)
	if err != nil {
		ctx.Logger.Error("Failed to query stats", slog.String("stat_type", statType.String()), slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to retrieve analytics", codeAnalyticsError)
	}
	return ctx.JSON(data)
}

// ActiveUsersAction counts sessions seen in the last few minutes. The
// response must never be cached.
func (h *AnalyticsHandler) ActiveUsersAction(ctx *cartridge.Context) error {
	ctx.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate, max-age=0")
	ctx.Set(fiber.HeaderPragma, "no-cache")
	ctx.Set(fiber.HeaderExpires, "0")

	hint := analytics.ClockHint{
		Timezone:    ctx.Query("timezone"),
		BrowserTime: ctx.Query("browser_time"),
	}
	serverNow := h.now()

	count, err := analytics.ActiveUsers(ctx.Context(), h.events, serverNow, hint, ctx.Logger)
	if err != nil {
		ctx.Logger.Error("Failed to count active users", slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to count active users", codeAnalyticsError)
	}

	return ctx.JSON(fiber.Map{
		"active_users":     count,
		"timestamp":        serverNow.Format(time.RFC3339),
		"browser_timezone": hint.Timezone,
		"browser_time":     hint.BrowserTime,
		"timeframe":        "5 minutes",
	})
}

// ChartAction returns one zero-filled point per day of the range.
func (h *AnalyticsHandler) ChartAction(ctx *cartridge.Context) error {
	chartType, err := analytics.ParseChartType(ctx.Query("chart_type"))
	if err != nil {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, "Invalid chart type", codeInvalidChartType)
	}

	params, err := h.queryParams(ctx)
	if err != nil {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, err.Error(), codeInvalidDateRange)
	}

	data, err := analytics.Chart(ctx.DB(), params, chartType)
	if err != nil {
		ctx.Logger.Error("Failed to build chart", slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to retrieve chart data", codeAnalyticsError)
	}

	return ctx.JSON(fiber.Map{
		"success":      true,
		"data":         data,
		"total_points": data.TotalPoints,
	})
}

// SummaryAction serves the precomputed overview for a fixed period.
func (h *AnalyticsHandler) SummaryAction(ctx *cartridge.Context) error {
	period := ctx.Query("period", analytics.Period7d)

	summary, err := analytics.CachedOverview(ctx.DB(), period)
	if errors.Is(err, analytics.ErrInvalidPeriod) {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, "Invalid period", codeInvalidPeriod)
	}
	if err != nil {
		ctx.Logger.Error("Failed to read summary cache", slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to retrieve summary", codeAnalyticsError)
	}
	return ctx.JSON(fiber.Map{"success": true, "data": summary})
}

// GetSettingsAction returns every stored setting as key/value pairs.
func (h *AnalyticsHandler) GetSettingsAction(ctx *cartridge.Context) error {
	rows, err := h.settings.All()
	if err != nil {
		ctx.Logger.Error("Failed to load settings", slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to load settings", codeAnalyticsError)
	}

	formatted := make(map[string]string, len(rows))
	for _, row := range rows {
		formatted[row.Key] = row.Value
	}
	return ctx.JSON(formatted)
}

// UpdateSettingsAction accepts {"settings": {...}} or the fields at top level.
func (h *AnalyticsHandler) UpdateSettingsAction(ctx *cartridge.Context) error {
	var body struct {
		Settings *settings.UpdateInput `json:"settings"`
		settings.UpdateInput
	}
	if err := json.Unmarshal(ctx.Body(), &body); err != nil {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, "Settings must be an object", codeInvalidSettings)
	}
	input := body.UpdateInput
	if body.Settings != nil {
		input = *body.Settings
	}

	snap, err := h.settings.Update(input)
	if errors.Is(err, settings.ErrInvalidSetting) {
		return errorJSON(ctx.Ctx, http.StatusBadRequest, err.Error(), codeInvalidSettings)
	}
	if err != nil {
		ctx.Logger.Error("Failed to update settings", slog.Any("error", err))
		return errorJSON(ctx.Ctx, http.StatusInternalServerError, "Failed to update settings", "settings_update_error")
	}

	return ctx.JSON(fiber.Map{
		"success": true,
		"settings": fiber.Map{
			"analytics_enabled": snap.AnalyticsEnabled,
			"retention_days":    snap.RetentionDays,
			"exclude_bots":      snap.ExcludeBots,
			"excluded_ips":      snap.ExcludedIPs,
		},
	})
}

func errorJSON(c *fiber.Ctx, status int, message, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
