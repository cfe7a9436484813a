// Package middleware carries the HTTP middleware chain the Conduit
// surface is served behind: request logging/tracing, panic recovery,
// security headers, CORS, timeouts, body limits, rate limiting, and the
// health/readiness endpoints.
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// traceHeader is the header trace IDs arrive on and are echoed back on.
const traceHeader = "X-Trace-ID"

// RequestLog assigns each request a trace ID (minting one when the caller
// did not send one), threads it through the context and response header,
// and logs one line per completed request.
func RequestLog(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(traceHeader)
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			r.Header.Set(traceHeader, traceID)
			w.Header().Set(traceHeader, traceID)

			rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.LogRequest(ctx, r.Method, r.URL.Path, rec.statusCode, time.Since(start))
		})
	}
}
