package jobs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader is satisfied by geoip.GeoLiteResolver.
type Reloader interface {
	Reload()
	Available() bool
}

// GeoReloadJob reopens the GeoLite2 database when the file on disk changes,
// so a database refreshed by geoipupdate is picked up without a restart.
type GeoReloadJob struct {
	path     string
	resolver Reloader
	logger   *slog.Logger

	mu      sync.Mutex
	modTime time.Time
}

func NewGeoReloadJob(path string, resolver Reloader, logger *slog.Logger) *GeoReloadJob {
	j := &GeoReloadJob{path: path, resolver: resolver, logger: logger}
	if info, err := os.Stat(path); err == nil {
		j.modTime = info.ModTime()
	}
	return j
}

// Run reloads the resolver if the database file is newer than the last load.
// It reports whether a reload happened.
func (j *GeoReloadJob) Run() (bool, error) {
	if j.path == "" {
		return false, nil
	}

	info, err := os.Stat(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			j.logger.Debug("GeoLite2 database not present", slog.String("path", j.path))
			return false, nil
		}
		return false, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !info.ModTime().After(j.modTime) && j.resolver.Available() {
		return false, nil
	}

	j.resolver.Reload()
	j.modTime = info.ModTime()
	j.logger.Info("GeoLite2 database reloaded",
		slog.String("path", j.path),
		slog.Time("modified", info.ModTime()),
		slog.Bool("available", j.resolver.Available()))
	return true, nil
}

// Watch reloads as soon as the database file is written or replaced, until
// ctx is done. The directory is watched because updaters swap the file in
// with a rename. The scheduled Run stays as a fallback.
func (j *GeoReloadJob) Watch(ctx context.Context) error {
	if j.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(j.path)); err != nil {
		return err
	}
	target := filepath.Clean(j.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := j.Run(); err != nil {
				j.logger.Error("GeoLite2 reload after file change failed", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			j.logger.Warn("GeoLite2 watcher error", slog.Any("error", err))
		}
	}
}
