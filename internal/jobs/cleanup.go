package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pulse/internal/events"
	"pulse/internal/metrics"
	"pulse/internal/settings"
)

// CleanupResult summarizes one retention sweep.
type CleanupResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
	Skipped bool      `json:"skipped,omitempty"`
}

// CleanupJob deletes raw events older than the configured retention period.
// Summary tables are never touched.
type CleanupJob struct {
	store       *events.Store
	settings    *settings.Store
	aggregation *AggregationJob
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	timeout     time.Duration
}

func NewCleanupJob(store *events.Store, settingsStore *settings.Store, aggregation *AggregationJob, logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *CleanupJob {
	return &CleanupJob{
		store:       store,
		settings:    settingsStore,
		aggregation: aggregation,
		logger:      logger,
		metrics:     m,
		now:         func() time.Time { return time.Now().UTC() },
		timeout:     timeout,
	}
}

// WithClock overrides the time source; used by tests and the CLI.
func (j *CleanupJob) WithClock(now func() time.Time) *CleanupJob {
	j.now = now
	return j
}

// Run removes events older than now minus the retention period. Events newer
// than the start of the last aggregated day are kept so a later
// recomputation of that day still sees all of its events.
func (j *CleanupJob) Run(ctx context.Context) (*CleanupResult, error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	snap, err := j.settings.Snapshot()
	if err != nil {
		return nil, err
	}
	if !snap.AnalyticsEnabled {
		j.logger.Debug("Analytics disabled, skipping cleanup")
		return &CleanupResult{Skipped: true}, nil
	}

	if j.aggregation != nil {
		if _, err := j.aggregation.Run(ctx); err != nil && !errors.Is(err, ErrAggregationInProgress) {
			j.logger.Error("Catch-up aggregation before cleanup failed", slog.Any("error", err))
		}
	}

	now := j.now().UTC()
	cutoff := now.AddDate(0, 0, -snap.RetentionDays)

	watermark, ok, err := j.settings.LastAggregation()
	if err != nil {
		return nil, err
	}
	if !ok {
		j.logger.Warn("No aggregation has completed yet, skipping cleanup")
		return &CleanupResult{Cutoff: cutoff, Skipped: true}, nil
	}
	if floor := startOfDay(watermark); floor.Before(cutoff) {
		j.logger.Warn("Aggregation is behind retention cutoff, keeping unaggregated events",
			slog.Time("cutoff", cutoff),
			slog.Time("watermark", watermark))
		cutoff = floor
	}

	j.logger.Info("Starting cleanup of old events",
		slog.Int("retention_days", snap.RetentionDays),
		slog.Time("cutoff_date", cutoff))

	deleted, err := j.store.DeleteOlderThan(ctx, cutoff)
	j.metrics.EventsDeleted(deleted)
	if err != nil {
		j.logger.Error("Failed to delete old events",
			slog.Any("error", err),
			slog.Int64("deleted_so_far", deleted))
		return &CleanupResult{Cutoff: cutoff, Deleted: deleted}, err
	}

	if err := j.settings.SetLastCleanup(now); err != nil {
		return &CleanupResult{Cutoff: cutoff, Deleted: deleted}, err
	}

	j.logger.Info("Cleaned up old events",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", snap.RetentionDays))
	return &CleanupResult{Cutoff: cutoff, Deleted: deleted}, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
