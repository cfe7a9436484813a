package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// CORSConfig configures cross-origin access to the Conduit surface.
// Origins are matched exactly, except entries starting with "." which
// match any subdomain of the named suffix (".example.com" admits
// "https://app.example.com" but not "https://notexample.com").
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// CORS answers preflights and stamps allow headers on matching requests.
// Requests from origins outside the allow list pass through without CORS
// headers; the browser enforces the denial.
func CORS(cfg CORSConfig) mux.MiddlewareFunc {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Content-Type", "Authorization", traceHeader}
	}
	if cfg.MaxAgeSeconds <= 0 {
		cfg.MaxAgeSeconds = 3600
	}

	match := originMatcher(cfg.AllowedOrigins)
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && match(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Expose-Headers", traceHeader)
				h.Set("Access-Control-Max-Age", maxAge)
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originMatcher compiles the allow list into a single predicate so the
// per-request path does no parsing beyond the suffix entries.
func originMatcher(allowed []string) func(origin string) bool {
	exact := make(map[string]struct{})
	var suffixes []string
	wildcard := false

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			wildcard = true
		case strings.HasPrefix(entry, "."):
			if s := strings.TrimPrefix(entry, "."); s != "" {
				suffixes = append(suffixes, s)
			}
		default:
			exact[entry] = struct{}{}
		}
	}

	return func(origin string) bool {
		if wildcard {
			return true
		}
		if _, ok := exact[origin]; ok {
			return true
		}
		if len(suffixes) == 0 {
			return false
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := parsed.Hostname()
		for _, s := range suffixes {
			if strings.HasSuffix(host, "."+s) {
				return true
			}
		}
		return false
	}
}
