package middleware

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/errors"
	internalhttputil "github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
	"github.com/hydrogen-dev/hydrogen/infrastructure/ratelimit"
)

// defaultMaxLimiters caps the in-memory limiter map absent an explicit
// SetMaxSize call.
const defaultMaxLimiters = 10000

// limiterEntry pairs a per-key limiter with the time it was last used, so
// Cleanup can evict entries by age instead of only by total count.
type limiterEntry struct {
	limiter  *ratelimit.RateLimiter
	lastUsed time.Time
}

// RateLimiter provides per-caller rate limiting, keying a distinct
// ratelimit.RateLimiter off the request's identity (user ID, else IP).
type RateLimiter struct {
	limiters   map[string]*limiterEntry
	mu         sync.RWMutex
	cfg        ratelimit.RateLimitConfig
	limit      int
	window     time.Duration
	logger     *logging.Logger
	maxSize    int
	limiterTTL time.Duration
}

// LimiterCount returns the number of active limiters.
func (rl *RateLimiter) LimiterCount() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// SetMaxSize caps the number of distinct per-key limiters kept in memory;
// Cleanup evicts the least-recently-used entries once this many accumulate.
func (rl *RateLimiter) SetMaxSize(n int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.maxSize = n
}

// SetLimiterTTL sets how long an idle per-key limiter survives before
// Cleanup evicts it.
func (rl *RateLimiter) SetLimiterTTL(ttl time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiterTTL = ttl
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		cfg:      ratelimit.RateLimitConfig{RequestsPerSecond: float64(requestsPerSecond), Burst: burst, Window: time.Second},
		limit:    requestsPerSecond,
		window:   time.Second,
		logger:   logger,
		maxSize:  defaultMaxLimiters,
	}
}

// NewRateLimiterWithWindow creates a rate limiter configured by a fixed window
// and request budget, e.g. 100 requests per 1 minute.
func NewRateLimiterWithWindow(limit int, window time.Duration, burst int, logger *logging.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	requestsPerSecond := float64(limit) / window.Seconds()
	if requestsPerSecond < 0 {
		requestsPerSecond = 0
	}

	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		cfg:      ratelimit.RateLimitConfig{RequestsPerSecond: requestsPerSecond, Burst: burst, Window: window},
		limit:    limit,
		window:   window,
		logger:   logger,
		maxSize:  defaultMaxLimiters,
	}
}

// getLimiter returns a rate limiter for the given key (e.g., user ID or IP)
func (rl *RateLimiter) getLimiter(key string) *ratelimit.RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: ratelimit.New(rl.cfg)}
		rl.limiters[key] = entry
	}
	entry.lastUsed = time.Now()

	return entry.limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Use user ID if authenticated, otherwise use IP address
		key := logging.GetUserID(r.Context())
		if key == "" {
			key = internalhttputil.ClientIP(r)
		}
		if key == "" {
			key = "unknown"
		}

		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			if rl.logger != nil {
				rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
					"key":    key,
					"path":   r.URL.Path,
					"method": r.Method,
				})
			}

			window := rl.window
			if window <= 0 {
				window = time.Second
			}
			serviceErr := errors.RateLimitExceeded(rl.limit, window.String())
			if seconds := int(math.Ceil(window.Seconds())); seconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup removes stale limiters (should be called periodically). With a
// limiterTTL set, entries idle longer than the TTL are evicted individually;
// otherwise the least-recently-used entries are evicted once the map
// crosses maxSize.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limiterTTL > 0 {
		cutoff := time.Now().Add(-rl.limiterTTL)
		for key, entry := range rl.limiters {
			if entry.lastUsed.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
		return
	}

	maxSize := rl.maxSize
	if maxSize <= 0 {
		maxSize = defaultMaxLimiters
	}
	if len(rl.limiters) <= maxSize {
		return
	}

	keys := make([]string, 0, len(rl.limiters))
	for key := range rl.limiters {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return rl.limiters[keys[i]].lastUsed.Before(rl.limiters[keys[j]].lastUsed)
	})
	for _, key := range keys[:len(keys)-maxSize] {
		delete(rl.limiters, key)
	}
}

// StartCleanup starts a background goroutine to periodically cleanup old limiters
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
