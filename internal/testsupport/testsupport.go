package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulse/internal"
	"pulse/internal/config"
	"pulse/internal/database"
	"pulse/internal/events"
	"pulse/internal/settings"
)

// testDBCache caches test databases by root test name so that subtests and
// helpers called within the same test share one database.
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager.
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

// TestConfig returns a validated configuration for the test environment.
// It never reads PULSE_* variables.
func TestConfig() *config.Config {
	return &config.Config{
		AppName:                   "pulse",
		AppPort:                   "3000",
		Environment:               config.Test,
		LogLevel:                  config.LogLevelError,
		PrivateKey:                "test-secret-key-for-ip-hashing-0",
		DatabaseType:              config.SQLiteDatabase,
		DatabaseName:              ":memory:",
		PublicDirectory:           "public",
		PublicAssetsUrlPrefix:     "/",
		RateLimitMax:              100,
		RateLimitWindowSeconds:    3600,
		BufferCapacity:            100,
		BufferFlushSize:           50,
		AggregationSchedule:       "@every 30m",
		CleanupSchedule:           "@daily",
		FlushSchedule:             "@every 30s",
		GeoReloadSchedule:         "@hourly",
		AggregationTimeoutSeconds: 60,
		CleanupTimeoutSeconds:     60,
		DefaultRetentionDays:      30,
		DefaultAnalyticsEnabled:   true,
	}
}

// SetupTestDB creates an in-memory database with every pulse model migrated.
// cache=shared lets multiple connections see the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// SetupSettings seeds the settings table and returns its store.
func SetupSettings(t *testing.T, dbManager cartridge.DBManager, logger *slog.Logger) *settings.Store {
	t.Helper()
	store := settings.NewStore(dbManager, logger, settings.Defaults{AnalyticsEnabled: true, RetentionDays: 30})
	require.NoError(t, store.SetupDefaults())
	return store
}

// CleanAllTables clears all non-system tables in the database
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tableNames {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// EventOption customizes an event built by CreateEvent.
type EventOption func(*events.Event)

func WithTitle(title string) EventOption {
	return func(e *events.Event) { e.PageTitle = title }
}

func WithReferrer(referrer, domain string) EventOption {
	return func(e *events.Event) {
		e.Referrer = referrer
		e.ReferrerDomain = domain
	}
}

func WithDevice(deviceType, browser, os string) EventOption {
	return func(e *events.Event) {
		e.DeviceType = deviceType
		e.Browser = browser
		e.OS = os
	}
}

func WithGeo(country, city string) EventOption {
	return func(e *events.Event) {
		e.CountryCode = country
		e.City = city
	}
}

func Unique(unique bool) EventOption {
	return func(e *events.Event) { e.IsUniqueVisitor = unique }
}

// CreateEvent inserts a raw event directly into the database.
func CreateEvent(t *testing.T, dbManager cartridge.DBManager, sessionID, pageURL string, createdAt time.Time, opts ...EventOption) *events.Event {
	t.Helper()
	event := &events.Event{
		PageURL:    pageURL,
		SessionID:  sessionID,
		IPHash:     "hash-" + sessionID,
		DeviceType: "desktop",
		Browser:    "Chrome",
		OS:         "Windows",
		CreatedAt:  createdAt.UTC(),
	}
	for _, opt := range opts {
		opt(event)
	}
	require.NoError(t, dbManager.GetConnection().Create(event).Error)
	return event
}

// CreateTestApp mounts every route on a cartridge test server backed by the
// test database. mutate may adjust the configuration before services are
// built.
func CreateTestApp(t *testing.T, mutate ...func(*config.Config)) (*fiber.App, *internal.Services) {
	t.Helper()

	appConfig := TestConfig()
	for _, fn := range mutate {
		fn(appConfig)
	}

	// Subtests share the root test's database; start each app from empty tables.
	dbManager, logger := SetupTestDBManager(t)
	CleanAllTables(dbManager.GetConnection())

	services, err := internal.NewServices(appConfig, dbManager, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = logger
	cfg.DBManager = dbManager

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)

	internal.MountRoutes(srv, services)
	return srv.App(), services
}
