package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one Allow call for a fixed window.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter throttles reflect publishes per agent.
type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts per-key events in fixed windows. It is the
// fallback when Redis is unreachable, so limits are per process.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]*countWindow
}

type countWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		windows: make(map[string]*countWindow),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
	w := l.windows[key]
	if w == nil {
		w = &countWindow{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}
	w.count++

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}
