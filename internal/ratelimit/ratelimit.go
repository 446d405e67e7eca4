// Package ratelimit throttles repeated events, such as warnings, per key.
package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Throttle hands out a token bucket per key.
type Throttle struct {
	mu       sync.RWMutex
	limiters map[string]*ratelib.Limiter
	every    ratelib.Limit
	burst    int
}

// NewThrottle allows burst events per key, refilled at perSecond.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*ratelib.Limiter),
		every:    ratelib.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether an event for key may be emitted now.
func (t *Throttle) Allow(key string) bool {
	t.mu.RLock()
	lim, ok := t.limiters[key]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		// Double-check
		lim, ok = t.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(t.every, t.burst)
			t.limiters[key] = lim
		}
		t.mu.Unlock()
	}
	return lim.Allow()
}

// Forget drops the bucket for key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, key)
}
