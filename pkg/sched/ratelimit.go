package sched

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/burrowhq/burrow/pkg/types"
)

// RateLimiter enforces per-task-definition token buckets. A task with no
// configured limit is always admitted. TryAcquire is O(1); refill is lazy
// based on elapsed time, which rate.Limiter provides.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates an empty limiter set
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Configure installs or replaces the bucket for a task definition. A nil
// spec removes any existing bucket.
func (r *RateLimiter) Configure(taskDef string, spec *types.RateLimitSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec == nil {
		delete(r.limiters, taskDef)
		return
	}

	fill := rate.Limit(float64(spec.Requests) / spec.Window.Seconds())
	burst := spec.Burst
	if burst <= 0 {
		burst = spec.Requests
	}
	r.limiters[taskDef] = rate.NewLimiter(fill, burst)
}

// TryAcquire attempts to take n tokens for a task definition without
// waiting. Rejection is not retried here; callers decide between drop,
// queue-wait, or caller-side retry.
func (r *RateLimiter) TryAcquire(taskDef string, n int) bool {
	r.mu.Lock()
	limiter, ok := r.limiters[taskDef]
	r.mu.Unlock()

	if !ok {
		return true
	}
	if n <= 0 {
		n = 1
	}
	return limiter.AllowN(timeNow(), n)
}
