package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
)

// baseSecurityHeaders are applied to every Conduit response. The surface
// serves JSON to machine callers only, so the content-security posture is
// deliberately locked down and responses are never cacheable (query
// results are live data).
var baseSecurityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders applies the base header set, then any overrides (an
// override with an empty value removes the header).
func SecurityHeaders(overrides map[string]string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range baseSecurityHeaders {
				h.Set(kv[0], kv[1])
			}
			for k, v := range overrides {
				if v == "" {
					h.Del(k)
					continue
				}
				h.Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}
