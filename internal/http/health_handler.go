package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"pulse/internal/events"
)

const healthPingTimeout = 2 * time.Second

// HealthStatus represents the health check response
type HealthStatus struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	DBStatus       string    `json:"db_status"`
	BufferedEvents int       `json:"buffered_events"`
}

// HealthHandler reports database reachability and the beacon backlog.
type HealthHandler struct {
	buffer *events.Buffer
}

func NewHealthHandler(buffer *events.Buffer) *HealthHandler {
	return &HealthHandler{buffer: buffer}
}

// IndexAction handles the health check endpoint
func (h *HealthHandler) IndexAction(ctx *cartridge.Context) error {
	health := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		DBStatus:  "ok",
	}
	if h.buffer != nil {
		health.BufferedEvents = h.buffer.Len()
	}

	if err := pingDatabase(ctx); err != nil {
		ctx.Logger.Error("Database health check failed", slog.Any("error", err))
		health.DBStatus = "error"
		health.Status = "degraded"
	}

	return ctx.JSON(health)
}

func pingDatabase(ctx *cartridge.Context) error {
	db := ctx.DBManager.GetConnection()
	if db == nil {
		return errNoConnection
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx.Context(), healthPingTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}
