package server

import (
	"sync"
	"time"
)

// rateLimiter tracks request timestamps per sender over a sliding window.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests: map[string][]time.Time{},
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (l *rateLimiter) allow(sender string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	kept := l.requests[sender][:0]
	for _, t := range l.requests[sender] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.requests[sender] = kept
		return false
	}
	l.requests[sender] = append(kept, now)
	return true
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}
