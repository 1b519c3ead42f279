package events

import (
	"errors"
	"fmt"
)

// Validation error codes returned to API clients.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeMissingPageURL   = "missing_page_url"
	CodeInvalidPageURL   = "invalid_page_url"
	CodeURLTooLong       = "url_too_long"
	CodeTitleTooLong     = "title_too_long"
	CodeReferrerTooLong  = "referrer_too_long"
	CodeInvalidReferrer  = "invalid_referrer"
	CodeRateLimited      = "rate_limited"
	CodeTrackingFailed   = "tracking_failed"
	CodeBufferFull       = "buffer_full"
	CodeAnalyticsOffline = "analytics_disabled"
)

var (
	// ErrRateLimited is returned when the client exceeded its ingestion quota.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrStorage wraps every failure to persist events.
	ErrStorage = errors.New("event storage failed")
	// ErrBufferFull is returned by Buffer.Add when no room is left after a
	// flush attempt.
	ErrBufferFull = errors.New("event buffer is full")
	// ErrAnalyticsDisabled is returned when tracking is switched off at runtime.
	ErrAnalyticsDisabled = errors.New("analytics is disabled")
)

// ValidationError describes why a tracking payload was rejected.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RateLimitError carries the wait hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
