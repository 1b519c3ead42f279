package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "pulse/api/v1"
	"pulse/internal/http"
	"pulse/internal/http/middleware"
	"pulse/internal/metrics"
)

// publicCORSConfig lets any site send page views.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Referrer, User-Agent",
}

// MountRoutes registers every HTTP route on srv.
func MountRoutes(srv *cartridge.Server, services *Services) {
	cfg := services.Config
	logger := srv.GetLogger()

	srv.App().Use(services.Metrics.Middleware())

	// The tracking endpoints enforce their own per-visitor budget, keyed by
	// the hashed IP. The admin API gets cartridge's coarse limiter in
	// production only, so tests and local tooling are not throttled.
	adminRateLimiter := func(c *fiber.Ctx) error { return c.Next() }
	if cfg.IsProduction() {
		adminRateLimiter = cartridgemiddleware.RateLimiter(
			cartridgemiddleware.WithMax(120),
			cartridgemiddleware.WithDuration(time.Minute),
		)
	}

	// Beacons are fire-and-forget from any origin, so no Sec-Fetch-Site check.
	publicAPIConfig := &cartridge.RouteConfig{
		EnableCORS:         true,
		CORSConfig:         publicCORSConfig,
		EnableSecFetchSite: cartridge.Bool(false),
	}

	adminAPIConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
		CustomMiddleware: []fiber.Handler{
			adminRateLimiter,
			middleware.AdminAPIKeyAuth(cfg.AdminAPIKey, logger),
		},
	}

	systemConfig := &cartridge.RouteConfig{
		EnableSecFetchSite: cartridge.Bool(false),
	}

	// === SYSTEM ROUTES ===
	health := http.NewHealthHandler(services.Buffer)
	srv.Get("/_health", health.IndexAction, systemConfig)

	metricsHandler := adaptor.HTTPHandler(metrics.Handler(services.Registry))
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	}, systemConfig)

	// === PUBLIC TRACKING ROUTES ===
	tracking := v1.NewAnalyticsHandler(services.Tracker)
	srv.Post("/api/v1/analytics/track", tracking.Track, publicAPIConfig)
	srv.Options("/api/v1/analytics/track", v1.Preflight, publicAPIConfig)
	srv.Post("/api/v1/analytics/track/beacon", tracking.Beacon, publicAPIConfig)
	srv.Options("/api/v1/analytics/track/beacon", v1.Preflight, publicAPIConfig)

	// === ADMIN API ROUTES ===
	admin := http.NewAnalyticsHandler(services.Settings, services.Events, nil)
	srv.Get("/api/v1/analytics/stats", admin.StatsAction, adminAPIConfig)
	srv.Get("/api/v1/analytics/active-users", admin.ActiveUsersAction, adminAPIConfig)
	srv.Get("/api/v1/analytics/chart", admin.ChartAction, adminAPIConfig)
	srv.Get("/api/v1/analytics/summary", admin.SummaryAction, adminAPIConfig)
	srv.Get("/api/v1/analytics/settings", admin.GetSettingsAction, adminAPIConfig)
	srv.Post("/api/v1/analytics/settings", admin.UpdateSettingsAction, adminAPIConfig)
}
