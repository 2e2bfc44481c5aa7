package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection token bucket: limit events refill over window,
// with a burst of limit.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	every := window / time.Duration(limit)
	return &RateLimiter{l: rate.NewLimiter(rate.Every(every), limit)}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.l.AllowN(now, 1)
}
