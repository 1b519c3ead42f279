package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"pulse/internal/analytics"
	"pulse/internal/events"
	"pulse/internal/metrics"
	"pulse/internal/pkg/async"
	"pulse/internal/settings"
	"pulse/internal/timeframe"
)

// ErrAggregationInProgress is returned when another run holds the lock.
var ErrAggregationInProgress = errors.New("aggregation already in progress")

// DefaultLookback is where the first run starts when no watermark exists.
const DefaultLookback = 24 * time.Hour

// DefaultGrace is how far behind the watermark each run looks again. Events
// are stamped before they are stored, so a row can commit with a created_at
// older than a watermark set in the meantime.
const DefaultGrace = 5 * time.Minute

// Flusher writes events held in memory to the event store.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// AggregationResult summarizes one run.
type AggregationResult struct {
	RunID        string    `json:"run_id"`
	Events       int       `json:"events"`
	Days         int       `json:"days"`
	DailyRows    int       `json:"daily_rows"`
	ReferrerRows int       `json:"referrer_rows"`
	DeviceRows   int       `json:"device_rows"`
	GeoRows      int       `json:"geo_rows"`
	Watermark    time.Time `json:"watermark"`
	Skipped      bool      `json:"skipped,omitempty"`
}

type AggregationOptions struct {
	DBManager cartridge.DBManager
	Store     *events.Store
	Settings  *settings.Store
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Buffer is flushed before each run so that beacon events already
	// accepted are part of the window.
	Buffer Flusher

	// Lease is optional; without it only the in-process mutex applies.
	Lease   Locker
	Now     func() time.Time
	Timeout time.Duration

	// Grace defaults to DefaultGrace.
	Grace time.Duration
}

// AggregationJob folds raw events newer than the watermark into the summary
// tables.
type AggregationJob struct {
	dbManager cartridge.DBManager
	store     *events.Store
	settings  *settings.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	buffer    Flusher
	lease     Locker
	now       func() time.Time
	timeout   time.Duration
	grace     time.Duration

	mu sync.Mutex
}

func NewAggregationJob(opts AggregationOptions) *AggregationJob {
	j := &AggregationJob{
		dbManager: opts.DBManager,
		store:     opts.Store,
		settings:  opts.Settings,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		buffer:    opts.Buffer,
		lease:     opts.Lease,
		now:       opts.Now,
		timeout:   opts.Timeout,
		grace:     opts.Grace,
	}
	if j.now == nil {
		j.now = func() time.Time { return time.Now().UTC() }
	}
	if j.grace <= 0 {
		j.grace = DefaultGrace
	}
	return j
}

// Run performs one aggregation pass. Summary rows and the new watermark are
// committed in one transaction; any error leaves the watermark untouched.
func (j *AggregationJob) Run(ctx context.Context) (*AggregationResult, error) {
	if !j.mu.TryLock() {
		return nil, ErrAggregationInProgress
	}
	defer j.mu.Unlock()

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	if j.lease != nil {
		token, ok, err := j.lease.Acquire(ctx)
		switch {
		case err != nil:
			j.logger.Warn("Aggregation lease unavailable, relying on local lock", slog.Any("error", err))
		case !ok:
			return nil, ErrAggregationInProgress
		default:
			defer func() {
				if err := j.lease.Release(context.WithoutCancel(ctx), token); err != nil {
					j.logger.Warn("Failed to release aggregation lease", slog.Any("error", err))
				}
			}()
		}
	}

	snap, err := j.settings.Snapshot()
	if err != nil {
		return nil, err
	}
	if !snap.AnalyticsEnabled {
		j.logger.Debug("Analytics disabled, skipping aggregation")
		return &AggregationResult{Skipped: true}, nil
	}

	if j.buffer != nil {
		if _, err := j.buffer.Flush(ctx); err != nil {
			return nil, fmt.Errorf("failed to flush buffered events before aggregation: %w", err)
		}
	}

	return j.aggregate(ctx)
}

func (j *AggregationJob) aggregate(ctx context.Context) (*AggregationResult, error) {
	runStart := j.now().UTC()
	result := &AggregationResult{RunID: uuid.NewString()}
	logger := j.logger.With(slog.String("run_id", result.RunID))

	watermark, ok, err := j.settings.LastAggregation()
	if err != nil {
		return nil, err
	}
	after := runStart.Add(-DefaultLookback)
	if ok {
		after = watermark.Add(-j.grace)
	} else {
		watermark = after
	}

	newWatermark := runStart
	if watermark.After(runStart) {
		// Never move the watermark backwards, even if the clock did.
		newWatermark = watermark
	}

	days, err := j.store.DaysInWindow(ctx, after, runStart)
	if err != nil {
		return nil, err
	}
	result.Days = len(days)

	rollups := make([]analytics.DayRollup, 0, len(days))
	rows := map[string]int{}
	for _, day := range days {
		rollup, err := j.rollupDay(ctx, day.Day)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, rollup)
		result.Events += day.Events
		for dimension, n := range rollup.Rows() {
			rows[dimension] += n
		}
	}
	result.DailyRows = rows["daily"]
	result.ReferrerRows = rows["referrers"]
	result.DeviceRows = rows["devices"]
	result.GeoRows = rows["geo"]

	db := j.dbManager.GetConnection().WithContext(ctx)
	err = sqlite.PerformWrite(j.logger, db, func(tx *gorm.DB) error {
		for _, rollup := range rollups {
			if err := analytics.UpsertRollup(tx, rollup, runStart); err != nil {
				return err
			}
		}
		if err := analytics.RefreshSummaryCache(tx, runStart); err != nil {
			return err
		}
		return settings.SetWatermarkTx(tx, settings.KeyLastAggregation, newWatermark)
	})
	if err != nil {
		logger.Error("Aggregation failed, watermark unchanged", slog.Any("error", err), slog.Time("watermark", watermark))
		return nil, fmt.Errorf("aggregation write failed: %w", err)
	}

	result.Watermark = newWatermark
	j.metrics.Aggregated(result.Events, rows)
	logger.Info("Aggregation completed",
		slog.Int("events", result.Events),
		slog.Int("days", result.Days),
		slog.Int("daily_rows", result.DailyRows),
		slog.Time("watermark", newWatermark))
	return result, nil
}

// rollupDay recomputes every dimension of day from its full set of raw
// events so that the upsert replaces rather than increments.
func (j *AggregationJob) rollupDay(ctx context.Context, day time.Time) (analytics.DayRollup, error) {
	evs, err := j.store.QueryRange(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return analytics.DayRollup{}, err
	}
	date := day.Format(timeframe.DateLayout)

	results := async.NewPool(4).Execute(ctx, []async.Task{
		{Name: "daily", Execute: func() (interface{}, error) { return analytics.ComputeDaily(date, evs), nil }},
		{Name: "referrers", Execute: func() (interface{}, error) { return analytics.ComputeReferrers(date, evs), nil }},
		{Name: "devices", Execute: func() (interface{}, error) { return analytics.ComputeDevices(date, evs), nil }},
		{Name: "geo", Execute: func() (interface{}, error) { return analytics.ComputeGeo(date, evs), nil }},
	})
	if err := ctx.Err(); err != nil {
		return analytics.DayRollup{}, err
	}

	rollup := analytics.DayRollup{Date: date}
	if rollup.Daily, err = async.Value[[]analytics.DailyStat](results, "daily"); err != nil {
		return rollup, err
	}
	if rollup.Referrers, err = async.Value[[]analytics.ReferrerStat](results, "referrers"); err != nil {
		return rollup, err
	}
	if rollup.Devices, err = async.Value[[]analytics.DeviceStat](results, "devices"); err != nil {
		return rollup, err
	}
	if rollup.Geo, err = async.Value[[]analytics.GeoStat](results, "geo"); err != nil {
		return rollup, err
	}
	return rollup, nil
}
