package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// Setting represents a configuration item in the database
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// Setting keys
const (
	KeyAnalyticsEnabled = "analytics_enabled"
	KeyRetentionDays    = "retention_days"
	KeyExcludeBots      = "exclude_bots"
	KeyExcludedIPs      = "excluded_ips"
	KeyLastAggregation  = "last_aggregation"
	KeyLastCleanup      = "last_cleanup"
)

const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650

	snapshotCacheKey = "snapshot"
	snapshotCacheTTL = 5 * time.Minute
	watermarkLayout  = time.RFC3339Nano
)

// ErrInvalidSetting is wrapped by every validation failure.
var ErrInvalidSetting = errors.New("invalid setting")

// Defaults seed the settings table on first start.
type Defaults struct {
	AnalyticsEnabled bool
	RetentionDays    int
}

// Snapshot is the typed view of the settings that request handlers and jobs
// receive explicitly instead of reading globals.
type Snapshot struct {
	AnalyticsEnabled bool     `json:"analytics_enabled"`
	RetentionDays    int      `json:"retention_days"`
	ExcludeBots      bool     `json:"exclude_bots"`
	ExcludedIPs      []string `json:"excluded_ips"`
}

// IsIPExcluded reports whether ip is on the exclusion list.
func (s Snapshot) IsIPExcluded(ip string) bool {
	for _, excluded := range s.ExcludedIPs {
		if excluded == ip {
			return true
		}
	}
	return false
}

// Store reads and writes the settings table. Snapshot reads are cached until
// Invalidate is called; every write through the Store invalidates.
type Store struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	defaults  Defaults
	snapshots *cache.Cache[string, Snapshot]
}

func NewStore(dbManager cartridge.DBManager, logger *slog.Logger, defaults Defaults) *Store {
	if defaults.RetentionDays < MinRetentionDays {
		defaults.RetentionDays = 30
	}
	s := &Store{
		dbManager: dbManager,
		logger:    logger,
		defaults:  defaults,
	}
	s.snapshots = cache.NewCache[string, Snapshot](logger, snapshotCacheTTL, func(string) (Snapshot, error) {
		return s.loadSnapshot()
	})
	return s
}

// SetupDefaults inserts default values without overwriting existing ones.
func (s *Store) SetupDefaults() error {
	defaults := []Setting{
		{Key: KeyAnalyticsEnabled, Value: formatBool(s.defaults.AnalyticsEnabled)},
		{Key: KeyRetentionDays, Value: strconv.Itoa(s.defaults.RetentionDays)},
		{Key: KeyExcludeBots, Value: "1"},
		{Key: KeyExcludedIPs, Value: ""},
	}

	db := s.dbManager.GetConnection()
	err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, setting := range defaults {
			err := tx.Exec(`
				INSERT INTO settings (key, value, created_at, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO NOTHING
			`, setting.Key, setting.Value, now, now).Error
			if err != nil {
				return fmt.Errorf("failed to insert default setting %s: %w", setting.Key, err)
			}
		}
		return nil
	})
	s.Invalidate()
	return err
}

// Get returns the raw value of key, or gorm.ErrRecordNotFound.
func (s *Store) Get(key string) (string, error) {
	return GetSetting(s.dbManager.GetConnection(), key)
}

// Set upserts key and invalidates the snapshot cache.
func (s *Store) Set(key, value string) error {
	db := s.dbManager.GetConnection()
	err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		return UpsertSetting(tx, key, value)
	})
	s.Invalidate()
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// Snapshot returns the cached typed settings.
func (s *Store) Snapshot() (Snapshot, error) {
	snap, err := s.snapshots.Get(snapshotCacheKey)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return snap, nil
}

// Invalidate drops cached snapshots so the next read hits the database.
func (s *Store) Invalidate() {
	s.snapshots.Clear()
}

func (s *Store) loadSnapshot() (Snapshot, error) {
	var rows []Setting
	if err := s.dbManager.GetConnection().Find(&rows).Error; err != nil {
		return Snapshot{}, err
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}

	snap := Snapshot{
		AnalyticsEnabled: s.defaults.AnalyticsEnabled,
		RetentionDays:    s.defaults.RetentionDays,
		ExcludeBots:      true,
	}

	if v, ok := values[KeyAnalyticsEnabled]; ok {
		snap.AnalyticsEnabled = parseBool(v)
	}
	if v, ok := values[KeyRetentionDays]; ok {
		if days, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && days >= MinRetentionDays {
			snap.RetentionDays = days
		} else {
			s.logger.Warn("ignoring invalid retention_days setting", slog.String("value", v))
		}
	}
	if v, ok := values[KeyExcludeBots]; ok {
		snap.ExcludeBots = parseBool(v)
	}
	if v, ok := values[KeyExcludedIPs]; ok {
		snap.ExcludedIPs = splitIPList(v)
	}

	return snap, nil
}

// UpdateInput carries a partial settings update. Nil fields are left as is.
type UpdateInput struct {
	AnalyticsEnabled *bool   `json:"analytics_enabled"`
	RetentionDays    *int    `json:"retention_days"`
	ExcludeBots      *bool   `json:"exclude_bots"`
	ExcludedIPs      *string `json:"excluded_ips"`
}

// Update validates and applies input in a single transaction.
func (s *Store) Update(input UpdateInput) (Snapshot, error) {
	values := map[string]string{}

	if input.AnalyticsEnabled != nil {
		values[KeyAnalyticsEnabled] = formatBool(*input.AnalyticsEnabled)
	}
	if input.RetentionDays != nil {
		days := *input.RetentionDays
		if days < MinRetentionDays || days > MaxRetentionDays {
			return Snapshot{}, fmt.Errorf("%w: retention_days must be between %d and %d", ErrInvalidSetting, MinRetentionDays, MaxRetentionDays)
		}
		values[KeyRetentionDays] = strconv.Itoa(days)
	}
	if input.ExcludeBots != nil {
		values[KeyExcludeBots] = formatBool(*input.ExcludeBots)
	}
	if input.ExcludedIPs != nil {
		if err := validateIPList(*input.ExcludedIPs); err != nil {
			return Snapshot{}, err
		}
		values[KeyExcludedIPs] = strings.Join(splitIPList(*input.ExcludedIPs), ",")
	}

	if len(values) > 0 {
		db := s.dbManager.GetConnection()
		err := sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
			for key, value := range values {
				if err := UpsertSetting(tx, key, value); err != nil {
					return err
				}
			}
			return nil
		})
		s.Invalidate()
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to update settings: %w", err)
		}
		s.logger.Info("settings updated", slog.Int("keys", len(values)))
	}

	return s.Snapshot()
}

// LastAggregation returns the aggregation watermark. ok is false when the
// watermark was never written or cannot be parsed.
func (s *Store) LastAggregation() (time.Time, bool, error) {
	return s.readWatermark(KeyLastAggregation)
}

// LastCleanup returns the retention sweep watermark.
func (s *Store) LastCleanup() (time.Time, bool, error) {
	return s.readWatermark(KeyLastCleanup)
}

// SetLastAggregation records the aggregation watermark outside of a run.
// Aggregation itself uses SetWatermarkTx.
func (s *Store) SetLastAggregation(t time.Time) error {
	return s.Set(KeyLastAggregation, t.UTC().Format(watermarkLayout))
}

// SetLastCleanup records when the sweeper last completed.
func (s *Store) SetLastCleanup(t time.Time) error {
	return s.Set(KeyLastCleanup, t.UTC().Format(watermarkLayout))
}

func (s *Store) readWatermark(key string) (time.Time, bool, error) {
	value, err := s.Get(key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	t, err := time.Parse(watermarkLayout, strings.TrimSpace(value))
	if err != nil {
		s.logger.Warn("ignoring unparsable watermark", slog.String("key", key), slog.String("value", value))
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// SetWatermarkTx writes a watermark inside an existing transaction so that it
// commits atomically with the work it covers.
func SetWatermarkTx(tx *gorm.DB, key string, t time.Time) error {
	return UpsertSetting(tx, key, t.UTC().Format(watermarkLayout))
}

// All returns every stored setting ordered by key.
func (s *Store) All() ([]Setting, error) {
	var rows []Setting
	if err := s.dbManager.GetConnection().Order("key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}
	return rows, nil
}

// GetSetting retrieves a setting value from the database
func GetSetting(dbConn *gorm.DB, key string) (string, error) {
	var setting Setting
	result := dbConn.Where("key = ?", key).First(&setting)

	if result.Error != nil {
		return "", result.Error
	}

	return setting.Value, nil
}

// UpsertSetting inserts or replaces key using the given connection or
// transaction.
func UpsertSetting(tx *gorm.DB, key, value string) error {
	now := time.Now().UTC()
	err := tx.Exec(`
		INSERT INTO settings (key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now, now).Error
	if err != nil {
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}
	return nil
}

// validateIPList validates a comma-separated list of IP addresses
func validateIPList(ipList string) error {
	for _, ip := range splitIPList(ipList) {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("%w: invalid IP address format: %s", ErrInvalidSetting, ip)
		}
	}
	return nil
}

func splitIPList(value string) []string {
	var ips []string
	for _, ip := range strings.Split(value, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
