// Package internal wires pulse's components into a cartridge application.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"pulse/internal/config"
	"pulse/internal/database"
	"pulse/internal/events"
	"pulse/internal/jobs"
	"pulse/internal/metrics"
	"pulse/internal/pkg/geoip"
	"pulse/internal/pkg/ratelimit"
	"pulse/internal/settings"
	"pulse/internal/visitors"
)

// aggregationLeaseExtra is added to the aggregation timeout to form the
// lease TTL, so a crashed holder eventually frees the lease.
const aggregationLeaseExtra = time.Minute

// Services holds every long-lived component. The HTTP layer, the scheduler
// and pulsectl all work from one Services value.
type Services struct {
	Config    *config.Config
	Logger    *slog.Logger
	DBManager cartridge.DBManager

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Redis    redis.UniversalClient
	Geo      *geoip.GeoLiteResolver

	Settings *settings.Store
	Events   *events.Store
	Buffer   *events.Buffer
	Tracker  *events.Tracker

	Aggregation *jobs.AggregationJob
	Cleanup     *jobs.CleanupJob
	Scheduler   *jobs.Scheduler
}

// NewServices builds the component graph on top of an initialized database.
// It seeds the settings table but does not migrate.
func NewServices(cfg *config.Config, dbManager cartridge.DBManager, logger *slog.Logger) (*Services, error) {
	s := &Services{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		Registry:  metrics.NewRegistry(),
	}
	s.Metrics = metrics.NewMetrics(s.Registry)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		s.Redis = redis.NewClient(opts)
	}

	s.Settings = settings.NewStore(dbManager, logger, settings.Defaults{
		AnalyticsEnabled: cfg.DefaultAnalyticsEnabled,
		RetentionDays:    cfg.DefaultRetentionDays,
	})
	if err := s.Settings.SetupDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	hasher, err := visitors.NewIPHasher(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create ip hasher: %w", err)
	}

	s.Geo = geoip.Open(cfg.GeoDBPath, logger)
	s.Events = events.NewStore(dbManager, logger)
	s.Buffer = events.NewBuffer(s.Events, cfg.BufferCapacity, cfg.BufferFlushSize, logger, s.Metrics)
	s.Tracker = events.NewTracker(events.TrackerOptions{
		Store:    s.Events,
		Buffer:   s.Buffer,
		Settings: s.Settings,
		Limiter:  s.newLimiter(),
		Hasher:   hasher,
		Geo:      s.Geo,
		Metrics:  s.Metrics,
		Logger:   logger,
	})

	var lease jobs.Locker
	if s.Redis != nil {
		lease = jobs.NewRedisLease(s.Redis, jobs.AggregationLeaseKey, cfg.AggregationTimeout()+aggregationLeaseExtra)
	}
	s.Aggregation = jobs.NewAggregationJob(jobs.AggregationOptions{
		DBManager: dbManager,
		Store:     s.Events,
		Settings:  s.Settings,
		Logger:    logger,
		Metrics:   s.Metrics,
		Buffer:    s.Buffer,
		Lease:     lease,
		Timeout:   cfg.AggregationTimeout(),
	})
	s.Cleanup = jobs.NewCleanupJob(s.Events, s.Settings, s.Aggregation, logger, s.Metrics, cfg.CleanupTimeout())
	s.Scheduler = jobs.NewScheduler(jobs.SchedulerOptions{
		Config:      cfg,
		Logger:      logger,
		Metrics:     s.Metrics,
		Buffer:      s.Buffer,
		Aggregation: s.Aggregation,
		Cleanup:     s.Cleanup,
		GeoReload:   jobs.NewGeoReloadJob(cfg.GeoDBPath, s.Geo, logger),
	})

	return s, nil
}

func (s *Services) newLimiter() ratelimit.Limiter {
	opts := []ratelimit.Option{
		ratelimit.WithLimit(s.Config.RateLimitMax),
		ratelimit.WithWindow(s.Config.RateLimitWindow()),
	}
	if s.Redis != nil {
		s.Logger.Info("Using Redis rate limiter")
		return ratelimit.NewRedisLimiter(s.Redis, append(opts, ratelimit.WithKeyPrefix("pulse:ratelimit:"))...)
	}
	return ratelimit.NewMemoryLimiter(opts...)
}

// Close flushes the buffer and releases external resources. Safe to call
// after the scheduler already stopped.
func (s *Services) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if _, err := s.Buffer.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush buffer: %w", err))
	}
	if err := s.Geo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close geoip: %w", err))
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Application wraps cartridge.Application with pulse's components.
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager
	Services  *Services
}

// NewApp creates a new application instance from the global configuration.
func NewApp() (*Application, error) {
	return NewAppWithConfig(config.GetConfig())
}

// NewAppWithConfig initializes and migrates the database, builds the
// services and returns an application ready to start.
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := dbManager.MigrateDatabase(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	services, err := NewServices(cfg, dbManager, logger)
	if err != nil {
		return nil, err
	}

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		RouteMountFunc:    func(srv *cartridge.Server) { MountRoutes(srv, services) },
		BackgroundWorkers: []cartridge.BackgroundWorker{services.Scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Services:    services,
	}, nil
}
