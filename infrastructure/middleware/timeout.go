package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
)

// Timeout bounds each request's handler to d: the request context is
// cancelled at the deadline and, if the handler has not started writing
// by then, the caller gets a 504. A handler that already wrote keeps the
// connection; only its context is cancelled.
func Timeout(d time.Duration) mux.MiddlewareFunc {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			guard := &writeOnceWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(guard, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded && guard.claim() {
					httputil.WriteErrorResponse(w, r, http.StatusGatewayTimeout,
						"REQUEST_TIMEOUT", "request timed out",
						map[string]any{"timeout_seconds": d.Seconds()})
				}
			}
		})
	}
}

// writeOnceWriter serializes the race between the handler goroutine and
// the timeout path: whichever side claims the writer first owns the
// response.
type writeOnceWriter struct {
	http.ResponseWriter
	mu      sync.Mutex
	claimed bool
}

// claim returns true exactly once, for the side that gets to write.
func (w *writeOnceWriter) claim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.claimed {
		return false
	}
	w.claimed = true
	return true
}

func (w *writeOnceWriter) WriteHeader(code int) {
	if w.claim() {
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *writeOnceWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.claimed = true
	w.mu.Unlock()
	return w.ResponseWriter.Write(b)
}
