package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"pulse/internal/events"
	"pulse/internal/visitors"
)

// AnalyticsHandler serves the public tracking endpoints.
type AnalyticsHandler struct {
	tracker *events.Tracker
}

func NewAnalyticsHandler(tracker *events.Tracker) *AnalyticsHandler {
	return &AnalyticsHandler{tracker: tracker}
}

// Track stores one page view and answers with its id.
func (h *AnalyticsHandler) Track(ctx *cartridge.Context) error {
	input, err := parseTrackInput(ctx.Ctx)
	if err != nil {
		ctx.Logger.Debug("Failed to parse track payload", slog.Any("error", err))
		return errorResponse(ctx.Ctx, http.StatusBadRequest, "Invalid request payload", events.CodeInvalidPayload)
	}

	result, err := h.tracker.Track(ctx.Context(), input)
	if err != nil {
		return trackErrorResponse(ctx, err)
	}
	if result.Ignored {
		return ctx.JSON(fiber.Map{"success": true, "ignored": true})
	}

	setSessionCookie(ctx, result)
	return ctx.JSON(fiber.Map{
		"success":           true,
		"pageview_id":       result.PageviewID,
		"is_unique_visitor": result.IsUniqueVisitor,
		"session_id":        result.SessionID,
	})
}

// Beacon queues one page view sent with navigator.sendBeacon.
func (h *AnalyticsHandler) Beacon(ctx *cartridge.Context) error {
	input, err := parseTrackInput(ctx.Ctx)
	if err != nil {
		ctx.Logger.Debug("Failed to parse beacon payload", slog.Any("error", err))
		return errorResponse(ctx.Ctx, http.StatusBadRequest, "Invalid request payload", events.CodeInvalidPayload)
	}

	result, err := h.tracker.Enqueue(ctx.Context(), input)
	if err != nil {
		return trackErrorResponse(ctx, err)
	}
	if result.Ignored {
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"success": true, "ignored": true})
	}

	setSessionCookie(ctx, result)
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"success": true, "queued": true})
}

// Preflight answers CORS preflight requests.
func Preflight(ctx *cartridge.Context) error {
	return ctx.SendStatus(fiber.StatusNoContent)
}

// parseTrackInput accepts JSON and form bodies. Beacons usually arrive as
// text/plain carrying JSON.
func parseTrackInput(c *fiber.Ctx) (events.TrackInput, error) {
	var input events.TrackInput

	contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
	switch {
	case strings.HasPrefix(contentType, fiber.MIMEApplicationForm),
		strings.HasPrefix(contentType, fiber.MIMEMultipartForm):
		if err := c.BodyParser(&input); err != nil {
			return input, err
		}
	default:
		body := c.Body()
		if len(body) == 0 {
			return input, errors.New("empty body")
		}
		if err := json.Unmarshal(body, &input); err != nil {
			return input, err
		}
	}

	input.ClientIP = clientIP(c)
	input.HeaderUserAgent = c.Get(fiber.HeaderUserAgent)
	if forwardedUA := c.Get("X-Forwarded-User-Agent"); forwardedUA != "" {
		input.HeaderUserAgent = forwardedUA
	}
	if input.SessionID == "" {
		input.SessionID = c.Cookies(visitors.SessionCookieName)
	}
	return input, nil
}

func setSessionCookie(ctx *cartridge.Context, result events.TrackResult) {
	if !result.SessionMinted {
		return
	}
	ctx.Cookie(&fiber.Cookie{
		Name:     visitors.SessionCookieName,
		Value:    result.SessionID,
		Path:     "/",
		MaxAge:   int(visitors.SessionCookieTTL.Seconds()),
		Expires:  time.Now().Add(visitors.SessionCookieTTL),
		Secure:   ctx.Config.IsProduction(),
		HTTPOnly: true,
		SameSite: "Lax",
	})
}

func trackErrorResponse(ctx *cartridge.Context, err error) error {
	if verr, ok := events.IsValidationError(err); ok {
		return errorResponse(ctx.Ctx, http.StatusBadRequest, verr.Message, verr.Code)
	}

	var rlErr *events.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		ctx.Set(fiber.HeaderRetryAfter, strconv.Itoa(rlErr.RetryAfterSeconds))
		return errorResponse(ctx.Ctx, http.StatusTooManyRequests, "Too many requests", events.CodeRateLimited)
	case errors.Is(err, events.ErrAnalyticsDisabled):
		return errorResponse(ctx.Ctx, http.StatusNotFound, "Analytics is disabled", events.CodeAnalyticsOffline)
	case errors.Is(err, events.ErrBufferFull):
		return errorResponse(ctx.Ctx, http.StatusServiceUnavailable, "Too many pending events", events.CodeBufferFull)
	}

	ctx.Logger.Error("Failed to track page view", slog.Any("error", err))
	return errorResponse(ctx.Ctx, http.StatusInternalServerError, "Failed to track page view", events.CodeTrackingFailed)
}

func errorResponse(c *fiber.Ctx, status int, message, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
