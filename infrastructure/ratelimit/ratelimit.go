// Package ratelimit wraps golang.org/x/time/rate's token bucket in the
// shape the Conduit ingress throttle consumes: one limiter per caller
// key, built from a RequestsPerSecond/Burst config.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sizes one caller's token bucket. Window documents the
// period RequestsPerSecond was derived from; the bucket itself always
// refills continuously.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
}

// RateLimiter is one caller's token bucket.
type RateLimiter struct {
	bucket *rate.Limiter
}

// New builds a limiter from cfg, substituting a 100 rps / 2x-burst shape
// for missing values.
func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{bucket: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Allow reports whether one request may proceed now.
func (r *RateLimiter) Allow() bool { return r.bucket.Allow() }

// AllowN reports whether n requests may proceed at now.
func (r *RateLimiter) AllowN(now time.Time, n int) bool { return r.bucket.AllowN(now, n) }

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error { return r.bucket.Wait(ctx) }
