package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
)

// defaultBodyLimit fits any plausible Conduit request: the body is a JSON
// queries array, not a payload channel.
const defaultBodyLimit int64 = 1 << 20

// BodyLimit rejects oversized request bodies: declared lengths beyond the
// limit get an immediate 413, and undeclared (chunked) bodies are capped
// with http.MaxBytesReader so a decoder can never read past the limit.
func BodyLimit(maxBytes int64) mux.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = defaultBodyLimit
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge,
					"BODY_TOO_LARGE", "request body too large",
					map[string]any{"limit_bytes": maxBytes})
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
