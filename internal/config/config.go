// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

const defaultPrivateKey = "88888888888888888888888888888888"

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	// PrivateKey is the secret used to hash client IPs.
	PrivateKey string `mapstructure:"privatekey"`
	// AdminAPIKey guards the query and settings API. Empty disables the check
	// outside production.
	AdminAPIKey string `mapstructure:"adminapikey"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	GeoDBPath             string `mapstructure:"geodbpath"`
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Redis is optional; when set it backs the rate limiter and the
	// aggregation lease.
	RedisURL string `mapstructure:"redisurl"`

	// Ingestion settings
	RateLimitMax           int `mapstructure:"ratelimitmax"`
	RateLimitWindowSeconds int `mapstructure:"ratelimitwindowseconds"`
	BufferCapacity         int `mapstructure:"buffercapacity"`
	BufferFlushSize        int `mapstructure:"bufferflushsize"`

	// Job scheduling settings (cron specs)
	AggregationSchedule       string `mapstructure:"aggregationschedule"`
	CleanupSchedule           string `mapstructure:"cleanupschedule"`
	FlushSchedule             string `mapstructure:"flushschedule"`
	GeoReloadSchedule         string `mapstructure:"georeloadschedule"`
	AggregationTimeoutSeconds int    `mapstructure:"aggregationtimeoutseconds"`
	CleanupTimeoutSeconds     int    `mapstructure:"cleanuptimeoutseconds"`

	// Seed values for the settings table
	DefaultRetentionDays    int  `mapstructure:"defaultretentiondays"`
	DefaultAnalyticsEnabled bool `mapstructure:"defaultanalyticsenabled"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		loaded, err := Load()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	})
	return cfg
}

// Load reads configuration from defaults, an optional config file named by
// PULSE_CONFIG_FILE and PULSE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("appname", "pulse")
	v.SetDefault("appport", "3000")
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelDebug))
	v.SetDefault("privatekey", defaultPrivateKey)
	v.SetDefault("adminapikey", "")
	v.SetDefault("storagepath", "storage")
	v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
	v.SetDefault("publicdir", "public")
	v.SetDefault("publicassetsurlprefix", "/")
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbtype", SQLiteDatabase)
	v.SetDefault("dbmaxopenconns", 0)
	v.SetDefault("dbmaxidleconns", 0)
	v.SetDefault("redisurl", "")
	v.SetDefault("ratelimitmax", 100)
	v.SetDefault("ratelimitwindowseconds", 3600)
	v.SetDefault("buffercapacity", 10000)
	v.SetDefault("bufferflushsize", 500)
	v.SetDefault("aggregationschedule", "@every 30m")
	v.SetDefault("cleanupschedule", "@daily")
	v.SetDefault("flushschedule", "@every 30s")
	v.SetDefault("georeloadschedule", "@hourly")
	v.SetDefault("aggregationtimeoutseconds", 300)
	v.SetDefault("cleanuptimeoutseconds", 600)
	v.SetDefault("defaultretentiondays", 30)
	v.SetDefault("defaultanalyticsenabled", true)

	v.BindEnv("appname", "PULSE_APP_NAME")
	v.BindEnv("appport", "PULSE_APP_PORT")
	v.BindEnv("environment", "PULSE_ENV")
	v.BindEnv("loglevel", "PULSE_LOG_LEVEL")
	v.BindEnv("privatekey", "PULSE_PRIVATE_KEY")
	v.BindEnv("adminapikey", "PULSE_ADMIN_API_KEY")
	v.BindEnv("storagepath", "PULSE_STORAGE_PATH")
	v.BindEnv("geodbpath", "PULSE_GEO_DB_PATH")
	v.BindEnv("publicdir", "PULSE_PUBLIC_DIR")
	v.BindEnv("publicassetsurlprefix", "PULSE_PUBLIC_ASSETS_URL_PREFIX")
	v.BindEnv("logsdir", "PULSE_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "PULSE_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "PULSE_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "PULSE_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbtype", "PULSE_DB_TYPE")
	v.BindEnv("dbmaxopenconns", "PULSE_DB_MAX_OPEN_CONNS")
	v.BindEnv("dbmaxidleconns", "PULSE_DB_MAX_IDLE_CONNS")
	v.BindEnv("redisurl", "PULSE_REDIS_URL")
	v.BindEnv("ratelimitmax", "PULSE_RATE_LIMIT_MAX")
	v.BindEnv("ratelimitwindowseconds", "PULSE_RATE_LIMIT_WINDOW_SECONDS")
	v.BindEnv("buffercapacity", "PULSE_BUFFER_CAPACITY")
	v.BindEnv("bufferflushsize", "PULSE_BUFFER_FLUSH_SIZE")
	v.BindEnv("aggregationschedule", "PULSE_AGGREGATION_SCHEDULE")
	v.BindEnv("cleanupschedule", "PULSE_CLEANUP_SCHEDULE")
	v.BindEnv("flushschedule", "PULSE_FLUSH_SCHEDULE")
	v.BindEnv("georeloadschedule", "PULSE_GEO_RELOAD_SCHEDULE")
	v.BindEnv("aggregationtimeoutseconds", "PULSE_AGGREGATION_TIMEOUT_SECONDS")
	v.BindEnv("cleanuptimeoutseconds", "PULSE_CLEANUP_TIMEOUT_SECONDS")
	v.BindEnv("defaultretentiondays", "PULSE_DEFAULT_RETENTION_DAYS")
	v.BindEnv("defaultanalyticsenabled", "PULSE_DEFAULT_ANALYTICS_ENABLED")

	if path := os.Getenv("PULSE_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c.DatabaseName = c.GetDatabasePath()
	return c, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	if c.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	if c.IsProduction() && c.PrivateKey == defaultPrivateKey {
		return fmt.Errorf("production requires a unique PULSE_PRIVATE_KEY (cannot use default)")
	}
	if c.IsProduction() && c.AdminAPIKey == "" {
		return fmt.Errorf("production requires PULSE_ADMIN_API_KEY")
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate limit max must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %d", c.RateLimitWindowSeconds)
	}
	if c.BufferCapacity <= 0 || c.BufferFlushSize <= 0 || c.BufferFlushSize > c.BufferCapacity {
		return fmt.Errorf("buffer flush size (%d) must be between 1 and capacity (%d)", c.BufferFlushSize, c.BufferCapacity)
	}
	if c.DefaultRetentionDays < 1 {
		return fmt.Errorf("default retention days must be at least 1, got %d", c.DefaultRetentionDays)
	}

	for name, spec := range map[string]string{
		"aggregation": c.AggregationSchedule,
		"cleanup":     c.CleanupSchedule,
		"flush":       c.FlushSchedule,
		"geo reload":  c.GeoReloadSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name.
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string.
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the secret used for IP hashing.
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// RateLimitWindow returns the ingestion rate limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// AggregationTimeout bounds a single aggregation run.
func (c *Config) AggregationTimeout() time.Duration {
	return time.Duration(c.AggregationTimeoutSeconds) * time.Second
}

// CleanupTimeout bounds a single retention sweep.
func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutSeconds) * time.Second
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (allows concurrent reads for parallel stats queries)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
