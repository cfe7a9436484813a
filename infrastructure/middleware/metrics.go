package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/metrics"
)

// MetricsMiddleware feeds every served request into the shared HTTP
// collectors, labeled by the mux route pattern (not the raw path, which
// would explode cardinality on parameterized routes).
func MetricsMiddleware(serviceName string, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementInFlight()
			defer m.DecrementInFlight()

			rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			m.RecordHTTPRequest(serviceName, r.Method, routePattern(r), strconv.Itoa(rec.statusCode), time.Since(start))
		})
	}
}

// routePattern prefers the mux route template ("/databases/{name}") over
// the concrete request path.
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWriter records the status a handler wrote, for the metrics and
// request-log middlewares. Double WriteHeader calls keep the first
// status, matching net/http's own behavior.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.written = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
