package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/forgeline-dev/testforge/coreengine/logging"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// RateLimitConfig bounds how fast a session may perform an operation.
// A limit of 0 disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	BurstSize         int `json:"burst_size"`
}

// DefaultRateLimitConfig returns the standard admission limits.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		BurstSize:         10,
	}
}

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limit_type,omitempty"` // "burst", "minute", "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

// windowBuckets is the number of sub-buckets per window. More buckets mean
// finer expiry granularity at the cost of a larger map.
const windowBuckets = 10

// slidingWindow counts events over a rolling duration using coarse
// sub-buckets. Not safe for concurrent use; RateLimiter serializes access.
type slidingWindow struct {
	duration   time.Duration
	bucketSize time.Duration
	buckets    map[int64]int
}

func newSlidingWindow(duration time.Duration) *slidingWindow {
	return &slidingWindow{
		duration:   duration,
		bucketSize: duration / windowBuckets,
		buckets:    make(map[int64]int),
	}
}

func (w *slidingWindow) bucketKey(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketSize)
}

// prune drops buckets that have slid out of the window.
func (w *slidingWindow) prune(now time.Time) {
	oldest := w.bucketKey(now) - windowBuckets
	for k := range w.buckets {
		if k <= oldest {
			delete(w.buckets, k)
		}
	}
}

// record counts one event in the current bucket.
func (w *slidingWindow) record(now time.Time) {
	w.prune(now)
	w.buckets[w.bucketKey(now)]++
}

// count returns the number of events still inside the window.
func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	total := 0
	for _, n := range w.buckets {
		total += n
	}
	return total
}

// retryAfter estimates how long until enough events expire that one more
// fits under the limit. Resolution is one bucket.
func (w *slidingWindow) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}

	keys := make([]int64, 0, len(w.buckets))
	for k := range w.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	needed := current - limit + 1
	freed := 0
	for _, k := range keys {
		freed += w.buckets[k]
		if freed >= needed {
			exitNanos := (k + windowBuckets + 1) * int64(w.bucketSize)
			retry := time.Duration(exitNanos - now.UnixNano())
			if retry < 0 {
				retry = 0
			}
			return retry
		}
	}
	return w.duration
}

// isEmpty reports whether the window holds no live events.
func (w *slidingWindow) isEmpty(now time.Time) bool {
	w.prune(now)
	return len(w.buckets) == 0
}

// =============================================================================
// RATE LIMITER
// =============================================================================

// limiterKey identifies one tracked window.
type limiterKey struct {
	sessionID string
	operation string
	window    string
}

// limitCheck pairs a window with its configured ceiling.
type limitCheck struct {
	name     string
	duration time.Duration
	limit    int
}

// RateLimiter enforces sliding-window admission limits per session and
// operation. Every limit window is checked before any is recorded, so a
// denied request consumes no budget.
type RateLimiter struct {
	config  *RateLimitConfig
	windows map[limiterKey]*slidingWindow
	logger  logging.Logger
	mu      sync.Mutex
}

// NewRateLimiter creates a RateLimiter. A nil config falls back to
// DefaultRateLimitConfig.
func NewRateLimiter(config *RateLimitConfig, logger logging.Logger) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		windows: make(map[limiterKey]*slidingWindow),
		logger:  logging.OrNop(logger),
	}
}

// checks returns the limit windows in tightest-first order.
func (l *RateLimiter) checks() []limitCheck {
	return []limitCheck{
		{name: "burst", duration: 10 * time.Second, limit: l.config.BurstSize},
		{name: "minute", duration: time.Minute, limit: l.config.RequestsPerMinute},
		{name: "hour", duration: time.Hour, limit: l.config.RequestsPerHour},
	}
}

// window returns the tracked window for a key, creating it on first use.
// Callers must hold mu.
func (l *RateLimiter) window(sessionID, operation string, c limitCheck) *slidingWindow {
	key := limiterKey{sessionID: sessionID, operation: operation, window: c.name}
	w, exists := l.windows[key]
	if !exists {
		w = newSlidingWindow(c.duration)
		l.windows[key] = w
	}
	return w
}

// Allow checks every limit window for the session and operation, records
// the request when admitted, and reports the verdict.
func (l *RateLimiter) Allow(sessionID, operation string) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	result := &RateLimitResult{Allowed: true, Remaining: -1}

	for _, c := range l.checks() {
		if c.limit <= 0 {
			continue
		}
		w := l.window(sessionID, operation, c)
		current := w.count(now)
		if current >= c.limit {
			l.logger.Warn("rate_limit_exceeded",
				"session_id", sessionID,
				"operation", operation,
				"limit_type", c.name,
				"current", current,
				"limit", c.limit)
			return &RateLimitResult{
				Allowed:    false,
				LimitType:  c.name,
				Current:    current,
				Limit:      c.limit,
				RetryAfter: w.retryAfter(now, c.limit),
			}
		}
		if remaining := c.limit - current - 1; result.Remaining < 0 || remaining < result.Remaining {
			result.LimitType = c.name
			result.Current = current + 1
			result.Limit = c.limit
			result.Remaining = remaining
		}
	}

	for _, c := range l.checks() {
		if c.limit <= 0 {
			continue
		}
		l.window(sessionID, operation, c).record(now)
	}

	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result
}

// Usage returns the live count per window for a session and operation.
func (l *RateLimiter) Usage(sessionID, operation string) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	usage := make(map[string]int)
	for _, c := range l.checks() {
		key := limiterKey{sessionID: sessionID, operation: operation, window: c.name}
		if w, exists := l.windows[key]; exists {
			usage[c.name] = w.count(now)
		} else {
			usage[c.name] = 0
		}
	}
	return usage
}

// ResetSession drops all tracked windows for a session.
func (l *RateLimiter) ResetSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.windows {
		if key.sessionID == sessionID {
			delete(l.windows, key)
		}
	}
}

// CleanupExpired removes windows with no live events. Returns the number
// removed. Called from the cleanup loop.
func (l *RateLimiter) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, w := range l.windows {
		if w.isEmpty(now) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
