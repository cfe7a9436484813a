package middleware

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
)

// HealthChecker aggregates named readiness checks (one per configured
// database, registered by the composition root) into the /healthz
// response.
type HealthChecker struct {
	mu        sync.RWMutex
	version   string
	startedAt time.Time
	checks    map[string]func() error
}

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker builds a checker reporting version.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startedAt: time.Now(),
		checks:    make(map[string]func() error),
	}
}

// RegisterCheck adds (or replaces) the named check.
func (h *HealthChecker) RegisterCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Handler serves the aggregate health report: 200 while every check
// passes, 503 as soon as one fails.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		status := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
			Checks:    make(map[string]string, len(names)),
		}
		for _, name := range names {
			if err := h.checks[name](); err != nil {
				status.Status = "unhealthy"
				status.Checks[name] = err.Error()
			} else {
				status.Checks[name] = "ok"
			}
		}
		h.mu.RUnlock()

		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, status)
	}
}

// LivenessHandler answers "is the process up" with an unconditional 200.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers "should traffic be routed here" from the
// caller-owned ready flag.
func ReadinessHandler(ready *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && *ready {
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

// RuntimeStats reports process-level figures for the status endpoint.
func RuntimeStats() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"alloc_mb":   mem.Alloc >> 20,
		"sys_mb":     mem.Sys >> 20,
		"num_gc":     mem.NumGC,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
}
