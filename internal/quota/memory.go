package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is a per-process token bucket per actor. It approximates
// the sliding window: limit tokens refill evenly over window.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    limit,
		every:    rate.Every(window / time.Duration(limit)),
	}
}

func (m *MemoryLimiter) limiterFor(actor string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[actor]
	if !ok {
		l = rate.NewLimiter(m.every, m.limit)
		m.limiters[actor] = l
	}
	return l
}

func (m *MemoryLimiter) Allow(_ context.Context, actor string) (Decision, error) {
	if actor == "" {
		return Decision{}, ErrInvalidActor
	}
	l := m.limiterFor(actor)
	allowed := l.Allow()
	remaining := int(math.Floor(l.Tokens()))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Remaining: remaining, Limit: m.limit}, nil
}
