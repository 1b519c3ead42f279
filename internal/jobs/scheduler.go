package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pulse/internal/config"
	"pulse/internal/events"
	"pulse/internal/metrics"
)

// Job names, also used as metric labels.
const (
	JobFlush       = "flush"
	JobAggregation = "aggregation"
	JobCleanup     = "cleanup"
	JobGeoReload   = "geo_reload"
)

// flushTimeout bounds the final flush performed on shutdown.
const flushTimeout = 10 * time.Second

// Scheduler runs the background jobs on their cron schedules.
// Implements cartridge.BackgroundWorker.
type Scheduler struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc

	buffer      *events.Buffer
	aggregation *AggregationJob
	cleanup     *CleanupJob
	geoReload   *GeoReloadJob

	mu        sync.Mutex
	running   map[string]bool
	isRunning bool
}

type SchedulerOptions struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Buffer      *events.Buffer
	Aggregation *AggregationJob
	Cleanup     *CleanupJob
	// GeoReload is optional.
	GeoReload *GeoReloadJob
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:         opts.Config,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		cron:        cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger))),
		ctx:         ctx,
		cancel:      cancel,
		buffer:      opts.Buffer,
		aggregation: opts.Aggregation,
		cleanup:     opts.Cleanup,
		geoReload:   opts.GeoReload,
		running:     map[string]bool{},
	}
}

// executeJobSafely runs a job unless a previous run of the same job is
// still executing. Different jobs may overlap.
func (s *Scheduler) executeJobSafely(jobName string, timeout time.Duration, jobFunc func(ctx context.Context) error) {
	s.mu.Lock()
	if s.running[jobName] {
		s.mu.Unlock()
		s.logger.Debug("Skipping job execution - previous run still active", slog.String("job", jobName))
		s.metrics.JobFinished(jobName, metrics.JobSkipped, 0)
		return
	}
	s.running[jobName] = true
	s.mu.Unlock()

	started := time.Now()
	result := metrics.JobFailure

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
			result = metrics.JobFailure
		}
		s.metrics.JobFinished(jobName, result, time.Since(started))

		s.mu.Lock()
		delete(s.running, jobName)
		s.mu.Unlock()
	}()

	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := jobFunc(ctx)
	switch {
	case err == nil:
		result = metrics.JobSuccess
	case errors.Is(err, ErrAggregationInProgress):
		result = metrics.JobSkipped
		s.logger.Info("Job skipped", slog.String("job", jobName), slog.Any("reason", err))
	default:
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	entries := []struct {
		name    string
		spec    string
		timeout time.Duration
		run     func(ctx context.Context) error
	}{
		{JobFlush, s.cfg.FlushSchedule, flushTimeout, s.runFlush},
		{JobAggregation, s.cfg.AggregationSchedule, s.cfg.AggregationTimeout(), s.runAggregation},
		{JobCleanup, s.cfg.CleanupSchedule, s.cfg.CleanupTimeout(), s.runCleanup},
	}
	if s.geoReload != nil {
		entries = append(entries, struct {
			name    string
			spec    string
			timeout time.Duration
			run     func(ctx context.Context) error
		}{JobGeoReload, s.cfg.GeoReloadSchedule, 0, s.runGeoReload})
	}

	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.spec, func() { s.executeJobSafely(e.name, e.timeout, e.run) }); err != nil {
			return fmt.Errorf("failed to schedule %s job with %q: %w", e.name, e.spec, err)
		}
		s.logger.Info("Scheduled background job", slog.String("job", e.name), slog.String("schedule", e.spec))
	}

	s.cron.Start()
	s.isRunning = true

	if s.geoReload != nil {
		go func() {
			if err := s.geoReload.Watch(s.ctx); err != nil {
				s.logger.Info("GeoLite2 file watch unavailable, relying on schedule", slog.Any("error", err))
			}
		}()
	}
	s.logger.Info("Background jobs started")
	return nil
}

// Stop halts the cron loop, waits for running jobs and writes out whatever
// is still buffered.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")

	s.mu.Lock()
	wasRunning := s.isRunning
	s.isRunning = false
	s.mu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.cancel()

	if s.buffer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if n, err := s.buffer.Flush(ctx); err != nil {
			s.logger.Error("Final buffer flush failed", slog.Any("error", err), slog.Int("pending", s.buffer.Len()))
		} else if n > 0 {
			s.logger.Info("Flushed buffered events on shutdown", slog.Int("count", n))
		}
	}

	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// RunNow executes a job immediately with the same guards as a scheduled run.
func (s *Scheduler) RunNow(jobName string) error {
	switch jobName {
	case JobFlush:
		s.executeJobSafely(jobName, flushTimeout, s.runFlush)
	case JobAggregation:
		s.executeJobSafely(jobName, s.cfg.AggregationTimeout(), s.runAggregation)
	case JobCleanup:
		s.executeJobSafely(jobName, s.cfg.CleanupTimeout(), s.runCleanup)
	case JobGeoReload:
		if s.geoReload == nil {
			return fmt.Errorf("job %s is not configured", jobName)
		}
		s.executeJobSafely(jobName, 0, s.runGeoReload)
	default:
		return fmt.Errorf("unknown job %q", jobName)
	}
	return nil
}

func (s *Scheduler) runFlush(ctx context.Context) error {
	if s.buffer == nil {
		return nil
	}
	_, err := s.buffer.Flush(ctx)
	return err
}

func (s *Scheduler) runAggregation(ctx context.Context) error {
	_, err := s.aggregation.Run(ctx)
	return err
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	_, err := s.cleanup.Run(ctx)
	return err
}

func (s *Scheduler) runGeoReload(context.Context) error {
	_, err := s.geoReload.Run()
	return err
}
