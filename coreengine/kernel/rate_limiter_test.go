package kernel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SLIDING WINDOW
// =============================================================================

func TestSlidingWindowCounts(t *testing.T) {
	w := newSlidingWindow(time.Minute)
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, 0, w.count(now))
	w.record(now)
	w.record(now)
	w.record(now.Add(10 * time.Second))

	assert.Equal(t, 3, w.count(now.Add(10*time.Second)))
	assert.False(t, w.isEmpty(now.Add(10*time.Second)))
}

func TestSlidingWindowExpiry(t *testing.T) {
	// Events slide out once the window plus one bucket has passed.
	w := newSlidingWindow(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	w.record(now)

	assert.Equal(t, 1, w.count(now.Add(30*time.Second)))
	assert.Equal(t, 0, w.count(now.Add(time.Minute+w.bucketSize)))
	assert.True(t, w.isEmpty(now.Add(time.Minute+w.bucketSize)))
	assert.Empty(t, w.buckets)
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	w := newSlidingWindow(time.Minute)
	now := time.Unix(1_700_000_000, 0)

	assert.Zero(t, w.retryAfter(now, 2))

	w.record(now)
	assert.Zero(t, w.retryAfter(now, 2))

	w.record(now)
	retry := w.retryAfter(now, 2)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute+w.bucketSize)
}

// =============================================================================
// ADMISSION
// =============================================================================

func TestAllowWithinLimits(t *testing.T) {
	// The verdict reports the tightest window, which under the default
	// limits is the burst window.
	l := NewRateLimiter(nil, nil)

	res := l.Allow("sess_1", "submit_run")

	require.True(t, res.Allowed)
	assert.Equal(t, "burst", res.LimitType)
	assert.Equal(t, 1, res.Current)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 9, res.Remaining)
}

func TestAllowBurstDenied(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{
		RequestsPerMinute: 100,
		RequestsPerHour:   1000,
		BurstSize:         2,
	}, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	res := l.Allow("sess_1", "submit_run")

	assert.False(t, res.Allowed)
	assert.Equal(t, "burst", res.LimitType)
	assert.Equal(t, 2, res.Current)
	assert.Equal(t, 2, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestAllowDeniedConsumesNoBudget(t *testing.T) {
	// Rejected requests are not recorded, so hammering a full window
	// cannot push the retry horizon further out.
	l := NewRateLimiter(&RateLimitConfig{BurstSize: 1}, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("sess_1", "submit_run").Allowed)
	}

	assert.Equal(t, 1, l.Usage("sess_1", "submit_run")["burst"])
}

func TestAllowZeroLimitDisablesWindow(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{RequestsPerMinute: 1}, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	res := l.Allow("sess_1", "submit_run")

	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.LimitType)
}

func TestAllowAllLimitsDisabled(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{}, nil)

	for i := 0; i < 50; i++ {
		assert.True(t, l.Allow("sess_1", "submit_run").Allowed)
	}
}

func TestAllowIsolatesSessionsAndOperations(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{BurstSize: 1}, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	assert.False(t, l.Allow("sess_1", "submit_run").Allowed)
	assert.True(t, l.Allow("sess_2", "submit_run").Allowed)
	assert.True(t, l.Allow("sess_1", "resolve_approval").Allowed)
}

// =============================================================================
// USAGE AND RESET
// =============================================================================

func TestUsageReportsPerWindowCounts(t *testing.T) {
	l := NewRateLimiter(nil, nil)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("sess_1", "submit_run").Allowed)
	}

	usage := l.Usage("sess_1", "submit_run")

	assert.Equal(t, 3, usage["burst"])
	assert.Equal(t, 3, usage["minute"])
	assert.Equal(t, 3, usage["hour"])

	empty := l.Usage("sess_unknown", "submit_run")
	assert.Equal(t, map[string]int{"burst": 0, "minute": 0, "hour": 0}, empty)
}

func TestResetSession(t *testing.T) {
	l := NewRateLimiter(&RateLimitConfig{BurstSize: 1}, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)
	require.False(t, l.Allow("sess_1", "submit_run").Allowed)

	l.ResetSession("sess_1")

	assert.True(t, l.Allow("sess_1", "submit_run").Allowed)
}

// =============================================================================
// CLEANUP
// =============================================================================

func TestCleanupExpiredKeepsLiveWindows(t *testing.T) {
	l := NewRateLimiter(nil, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	assert.Equal(t, 0, l.CleanupExpired())
	assert.Equal(t, 1, l.Usage("sess_1", "submit_run")["burst"])
}

func TestCleanupExpiredDropsDrainedWindows(t *testing.T) {
	l := NewRateLimiter(nil, nil)
	require.True(t, l.Allow("sess_1", "submit_run").Allowed)

	// Age every window past its horizon instead of sleeping through one.
	l.mu.Lock()
	for _, w := range l.windows {
		w.buckets = map[int64]int{0: 1}
	}
	l.mu.Unlock()

	assert.Equal(t, 3, l.CleanupExpired())
	assert.Equal(t, 0, l.Usage("sess_1", "submit_run")["burst"])
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllowConcurrentSessions(t *testing.T) {
	// Concurrent admission from distinct sessions never cross-charges.
	l := NewRateLimiter(&RateLimitConfig{BurstSize: 5}, nil)

	done := make(chan bool, 40)
	for i := 0; i < 4; i++ {
		session := fmt.Sprintf("sess_%d", i)
		go func() {
			for j := 0; j < 10; j++ {
				done <- l.Allow(session, "submit_run").Allowed
			}
		}()
	}

	allowed := 0
	for i := 0; i < 40; i++ {
		if <-done {
			allowed++
		}
	}
	assert.Equal(t, 20, allowed)
}
