package httputil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP reports the address the ingress rate limiter should key on.
// Forwarding headers are only believed when the direct peer is itself on
// a private/loopback network (i.e. a fronting proxy); a peer straight
// off the internet could write anything into X-Forwarded-For, so then
// only RemoteAddr counts.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	peer := hostOnly(r.RemoteAddr)
	if ip := net.ParseIP(peer); ip == nil || !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the original client.
		first, _, _ := strings.Cut(xff, ",")
		if addr := hostOnly(first); addr != "" {
			return addr
		}
	}
	if addr := hostOnly(r.Header.Get("X-Real-IP")); addr != "" {
		return addr
	}
	return peer
}

// hostOnly trims whitespace and strips a :port suffix when present.
func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
