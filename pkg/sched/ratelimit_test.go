package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/burrowhq/burrow/pkg/types"
)

func withClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	current := at
	timeNow = func() time.Time { return current }
	t.Cleanup(func() { timeNow = time.Now })
	return func(next time.Time) { current = next }
}

// TestRateLimiterBucket tests token admission and refill
func TestRateLimiterBucket(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	advance := withClock(t, base)

	r := NewRateLimiter()
	r.Configure("send-email", &types.RateLimitSpec{Requests: 2, Window: time.Second, Burst: 2})

	assert.True(t, r.TryAcquire("send-email", 1))
	assert.True(t, r.TryAcquire("send-email", 1))
	assert.False(t, r.TryAcquire("send-email", 1), "bucket exhausted")

	// Half a window refills one token
	advance(base.Add(500 * time.Millisecond))
	assert.True(t, r.TryAcquire("send-email", 1))
	assert.False(t, r.TryAcquire("send-email", 1))

	// A long idle stretch refills to burst, never beyond
	advance(base.Add(time.Hour))
	assert.True(t, r.TryAcquire("send-email", 1))
	assert.True(t, r.TryAcquire("send-email", 1))
	assert.False(t, r.TryAcquire("send-email", 1))
}

// TestRateLimiterUnconfigured tests that unlimited tasks always admit
func TestRateLimiterUnconfigured(t *testing.T) {
	r := NewRateLimiter()
	for i := 0; i < 100; i++ {
		assert.True(t, r.TryAcquire("anything", 1))
	}
}

// TestRateLimiterReconfigure tests bucket replacement and removal
func TestRateLimiterReconfigure(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	withClock(t, base)

	r := NewRateLimiter()
	r.Configure("t", &types.RateLimitSpec{Requests: 1, Window: time.Hour, Burst: 1})
	assert.True(t, r.TryAcquire("t", 1))
	assert.False(t, r.TryAcquire("t", 1))

	// Removing the limit admits everything again
	r.Configure("t", nil)
	assert.True(t, r.TryAcquire("t", 1))
}

// TestRateLimiterAdmissionBound tests that admitted count never exceeds
// burst plus refill over the observed window
func TestRateLimiterAdmissionBound(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	advance := withClock(t, base)

	r := NewRateLimiter()
	r.Configure("t", &types.RateLimitSpec{Requests: 10, Window: time.Second, Burst: 5})

	admitted := 0
	for i := 0; i < 200; i++ {
		advance(base.Add(time.Duration(i) * 10 * time.Millisecond))
		if r.TryAcquire("t", 1) {
			admitted++
		}
	}

	// 2 seconds elapsed: at most burst (5) + 10/s * 2s admitted
	assert.LessOrEqual(t, admitted, 25)
	assert.Greater(t, admitted, 15)
}
