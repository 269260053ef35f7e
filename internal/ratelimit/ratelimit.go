// Package ratelimit throttles inbound updates per Telegram user.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps a token bucket per user
type Limiter struct {
	mu     sync.Mutex
	limits map[int64]*entry
	every  time.Duration
	burst  int
	now    func() time.Time
}

// New creates a limiter that refills one event per every, up to burst.
// A zero every disables limiting.
func New(every time.Duration, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limits: make(map[int64]*entry),
		every:  every,
		burst:  burst,
		now:    time.Now,
	}
}

// Allow reports whether an event from userID may be handled now
func (l *Limiter) Allow(userID int64) bool {
	if l == nil || l.every <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limits[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.limits[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Forget drops buckets of users idle for longer than idle
func (l *Limiter) Forget(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, e := range l.limits {
		if e.lastSeen.Before(cutoff) {
			delete(l.limits, id)
			removed++
		}
	}
	return removed
}
