// Package ratelimit builds the token bucket that paces requests to one controller.
package ratelimit

import "golang.org/x/time/rate"

// DefaultRequestsPerMinute is a polite ceiling for a single export run.
const DefaultRequestsPerMinute = 600

// NewRateLimiter creates a limiter refilling at requestsPerMinute/60 tokens
// per second with the given burst. A non-positive rate disables pacing and
// returns nil; a non-positive burst is raised to 1.
func NewRateLimiter(requestsPerMinute, burst int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
}
