package security

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-identity sliding-window limit: at most
// maxRequests timestamps inside any window of the configured length.
type RateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	requests    map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing maxRequests per window per
// identity.
func NewRateLimiter(window time.Duration, maxRequests int) *RateLimiter {
	return &RateLimiter{
		window:      window,
		maxRequests: maxRequests,
		requests:    make(map[string][]time.Time),
	}
}

// Allow purges stale entries for the identity, then records the request if
// capacity remains. Returns false when the identity is at its limit.
func (rl *RateLimiter) Allow(identity string) bool {
	return rl.allowAt(identity, time.Now())
}

func (rl *RateLimiter) allowAt(identity string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	live := rl.requests[identity][:0]
	for _, at := range rl.requests[identity] {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}

	if len(live) >= rl.maxRequests {
		rl.requests[identity] = live
		return false
	}

	rl.requests[identity] = append(live, now)
	return true
}

// Reset forgets the identity's recorded requests.
func (rl *RateLimiter) Reset(identity string) {
	rl.mu.Lock()
	delete(rl.requests, identity)
	rl.mu.Unlock()
}
