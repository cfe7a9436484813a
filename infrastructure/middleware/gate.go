package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// relayHeader must be present on every gated request; it carries the
// fronting relay's request identifier so gate rejections can be matched
// against the relay's own logs.
const relayHeader = "X-Hydrogen-Relay-Id"

// secretHeader carries the shared secret proving the request came through
// the relay rather than straight off the network.
const secretHeader = "X-Shared-Secret"

// RelayGate admits only requests that arrived through the deployment's
// fronting relay, proven by a shared secret. Health and metrics endpoints
// stay open so probes work without relay plumbing. Secrets are compared
// as fixed-length digests so the comparison is constant-time regardless
// of what the caller sent.
func RelayGate(sharedSecret string, log *logging.Logger) mux.MiddlewareFunc {
	want := sha256.Sum256([]byte(sharedSecret))

	reject := func(w http.ResponseWriter, r *http.Request, reason string) {
		if log != nil {
			log.LogSecurityEvent(r.Context(), "relay_gate_reject", map[string]interface{}{
				"reason":    reason,
				"method":    r.Method,
				"path":      r.URL.Path,
				"relay_id":  r.Header.Get(relayHeader),
				"client_ip": httputil.ClientIP(r),
			})
		}
		httputil.Unauthorized(w, "unauthorized")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/livez", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get(relayHeader) == "" || r.Header.Get(secretHeader) == "" {
				reject(w, r, "missing_headers")
				return
			}
			got := sha256.Sum256([]byte(r.Header.Get(secretHeader)))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				reject(w, r, "invalid_secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
