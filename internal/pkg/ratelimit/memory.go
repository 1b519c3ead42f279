package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryLimiter keeps a per-key log of admitted request times in a bounded,
// expiring LRU. Suitable for a single process.
type MemoryLimiter struct {
	opts options

	mu      sync.Mutex
	entries *expirable.LRU[string, []time.Time]
}

// NewMemoryLimiter creates an in-memory sliding-log limiter.
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	return &MemoryLimiter{
		opts:    o,
		entries: expirable.NewLRU[string, []time.Time](o.maxKeys, nil, o.window),
	}
}

// Allow records the request for key if it fits in the current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.opts.now()
	cutoff := now.Add(-l.opts.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps, _ := l.entries.Get(key)
	live := make([]time.Time, 0, len(stamps)+1)
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.opts.limit {
		l.entries.Add(key, live)
		return Decision{
			Allowed:    false,
			Limit:      l.opts.limit,
			Remaining:  0,
			RetryAfter: live[0].Add(l.opts.window).Sub(now),
		}, nil
	}

	live = append(live, now)
	l.entries.Add(key, live)

	return Decision{
		Allowed:   true,
		Limit:     l.opts.limit,
		Remaining: l.opts.limit - len(live),
	}, nil
}
