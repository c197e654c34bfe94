package callkit

import (
	"sync"
	"time"
)

// RateLimiter bounds outbound signaling volume with a sliding window:
// events older than the window are pruned before every check, so a burst
// at the start of a window does not block the whole bucket.
//
// Sends originate from concurrent peer-connection callbacks, so all access
// is serialized internally.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	events []time.Time

	now func() time.Time // overridden in tests
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// CanProceed reports whether another send is permitted right now.
func (r *RateLimiter) CanProceed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.events) < r.max
}

// Record registers a send against the current window.
func (r *RateLimiter) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	r.events = append(r.events, now)
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	keep := 0
	for _, t := range r.events {
		if t.After(cutoff) {
			r.events[keep] = t
			keep++
		}
	}
	r.events = r.events[:keep]
}
