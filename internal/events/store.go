package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
)

// DeleteBatchSize bounds how many rows one retention delete statement removes.
const DeleteBatchSize = 1000

const insertBatchSize = 200

// Store is the append-only event log. It exposes no update operation.
type Store struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
}

func NewStore(dbManager cartridge.DBManager, logger *slog.Logger) *Store {
	return &Store{dbManager: dbManager, logger: logger}
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.dbManager.GetConnection().WithContext(ctx)
}

// Append inserts one event through the serialized write path and returns its id.
func (s *Store) Append(ctx context.Context, event *Event) (uint, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.CreatedAt = event.CreatedAt.UTC()

	err := sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return tx.Create(event).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return event.ID, nil
}

// AppendBatch inserts all events in one transaction.
func (s *Store) AppendBatch(ctx context.Context, batch []*Event) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, event := range batch {
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}
		event.CreatedAt = event.CreatedAt.UTC()
	}

	err := sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
		return tx.CreateInBatches(batch, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// QueryRecent returns events created strictly after since, oldest first.
func (s *Store) QueryRecent(ctx context.Context, since time.Time) ([]Event, error) {
	var rows []Event
	err := s.db(ctx).
		Where("created_at > ?", since.UTC()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return rows, nil
}

// DayCount is the number of events stored for one UTC day.
type DayCount struct {
	Day    time.Time
	Events int
}

// DaysInWindow returns the UTC days that have events with
// after < created_at <= upTo, oldest first, with their event counts.
func (s *Store) DaysInWindow(ctx context.Context, after, upTo time.Time) ([]DayCount, error) {
	var rows []struct {
		Day    string
		Events int
	}
	err := s.db(ctx).Model(&Event{}).
		Select("date(created_at) AS day, COUNT(*) AS events").
		Where("created_at > ? AND created_at <= ?", after.UTC(), upTo.UTC()).
		Group("day").
		Order("day ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query event days: %w", err)
	}

	days := make([]DayCount, 0, len(rows))
	for _, row := range rows {
		day, err := time.Parse(time.DateOnly, row.Day)
		if err != nil {
			return nil, fmt.Errorf("unexpected event day %q: %w", row.Day, err)
		}
		days = append(days, DayCount{Day: day, Events: row.Events})
	}
	return days, nil
}

// QueryRange returns events with from <= created_at < to, oldest first.
func (s *Store) QueryRange(ctx context.Context, from, to time.Time) ([]Event, error) {
	var rows []Event
	err := s.db(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query events range: %w", err)
	}
	return rows, nil
}

// CountDistinctSessions counts sessions with at least one event at or after since.
func (s *Store) CountDistinctSessions(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db(ctx).Model(&Event{}).
		Where("created_at >= ?", since.UTC()).
		Distinct("session_id").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// HasRecentView reports whether the session already viewed pageURL at or
// after since.
func (s *Store) HasRecentView(ctx context.Context, sessionID, pageURL string, since time.Time) (bool, error) {
	var ids []uint
	err := s.db(ctx).Model(&Event{}).
		Where("session_id = ? AND page_url = ? AND created_at >= ?", sessionID, pageURL, since.UTC()).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return false, fmt.Errorf("failed to check recent view: %w", err)
	}
	return len(ids) > 0, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db(ctx).Model(&Event{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes events created before cutoff in batches of
// DeleteBatchSize, each batch its own write. It returns the rows removed even
// when a later batch fails or ctx is cancelled.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	cutoff = cutoff.UTC()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var affected int64
		err := sqlite.PerformWrite(s.logger, s.db(ctx), func(tx *gorm.DB) error {
			result := tx.Exec(`
				DELETE FROM pageviews
				WHERE id IN (SELECT id FROM pageviews WHERE created_at < ? ORDER BY id LIMIT ?)
			`, cutoff, DeleteBatchSize)
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return total, fmt.Errorf("%w: delete batch: %w", ErrStorage, err)
		}

		total += affected
		if affected < DeleteBatchSize {
			return total, nil
		}
	}
}
