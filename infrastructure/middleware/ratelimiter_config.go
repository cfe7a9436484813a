package middleware

import (
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// RateLimiterConfig sizes the Conduit ingress throttle: a token bucket
// per caller key, plus bounds on how many idle per-key buckets stay in
// memory.
type RateLimiterConfig struct {
	RequestsPerSecond int           // sustained rate per caller (default 50)
	Burst             int           // bucket depth (default 2x rate)
	Window            time.Duration // averaging window when not per-second
	MaxLimiters       int           // cap on distinct caller buckets (default 10000)
	LimiterTTL        time.Duration // idle bucket lifetime before cleanup
	CleanupInterval   time.Duration // how often Cleanup runs (default 5m)
	Logger            *logging.Logger
}

// NewRateLimiterFromConfig builds the per-caller limiter from cfg,
// filling defaults for anything unset. A Window other than one second
// switches to fixed-window accounting.
func NewRateLimiterFromConfig(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerSecond * 2
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}

	var rl *RateLimiter
	if cfg.Window != time.Second {
		limit := int(float64(cfg.RequestsPerSecond) * cfg.Window.Seconds())
		if limit < 1 {
			limit = 1
		}
		rl = NewRateLimiterWithWindow(limit, cfg.Window, cfg.Burst, cfg.Logger)
	} else {
		rl = NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.Logger)
	}

	if cfg.MaxLimiters > 0 {
		rl.SetMaxSize(cfg.MaxLimiters)
	}
	if cfg.LimiterTTL > 0 {
		rl.SetLimiterTTL(cfg.LimiterTTL)
	}
	return rl
}

// StartCleanupFromConfig arms the periodic idle-bucket cleanup and
// returns its stop function for shutdown.
func StartCleanupFromConfig(rl *RateLimiter, cfg RateLimiterConfig) func() {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return rl.StartCleanup(interval)
}
