// Package ratelimit implements a sliding-window request limiter keyed by an
// opaque client key (the hashed client IP for ingestion).
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit   = 100
	DefaultWindow  = time.Hour
	DefaultMaxKeys = 100_000
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Limit requests per key within any trailing Window.
// Rejected requests are not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type options struct {
	limit   int
	window  time.Duration
	maxKeys int
	prefix  string
	now     func() time.Time
}

// Option configures a limiter.
type Option func(*options)

// WithLimit sets the number of requests admitted per window.
func WithLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.limit = limit
		}
	}
}

// WithWindow sets the sliding window length.
func WithWindow(window time.Duration) Option {
	return func(o *options) {
		if window > 0 {
			o.window = window
		}
	}
}

// WithMaxKeys bounds the number of tracked keys for the in-memory limiter.
func WithMaxKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithKeyPrefix namespaces keys in shared backends such as Redis.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		limit:   DefaultLimit,
		window:  DefaultWindow,
		maxKeys: DefaultMaxKeys,
		prefix:  "pulse:ratelimit:",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Noop admits everything.
type Noop struct{}

func (Noop) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
