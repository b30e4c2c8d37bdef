package authhttp

import "time"

// Limit configures a named rate limit bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultRateLimits returns the built-in per-endpoint limits, enforced per client IP.
// Hosts can override them by supplying their own limiter via WithRateLimiter(...).
func DefaultRateLimits() map[string]Limit {
	return map[string]Limit{
		"default": {Limit: 120, Window: time.Minute},

		RLLoginStart:    {Limit: 30, Window: 10 * time.Minute},
		RLLoginCallback: {Limit: 60, Window: 10 * time.Minute},
	}
}
