package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int64
}

// MemoryLimiter is a single-process fixed-window Limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter returns a limiter allowing limit hits per key per window.
func NewMemoryLimiter(limit int, win time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: win, now: time.Now, windows: make(map[string]*window)}
}

// Allow counts one hit for key in the current window and reports whether it is within the limit.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := m.now()
	start := windowStart(now, m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || w.start.Before(start) {
		if len(m.windows) > 0 && !ok {
			m.sweep(start)
		}
		w = &window{start: start}
		m.windows[key] = w
	}
	w.count++
	return result(w.count, m.limit, start.Add(m.window).Sub(now)), nil
}

// sweep drops windows older than start. Caller holds mu.
func (m *MemoryLimiter) sweep(start time.Time) {
	for k, w := range m.windows {
		if w.start.Before(start) {
			delete(m.windows, k)
		}
	}
}
