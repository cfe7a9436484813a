package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
)

// ValidationConfig declares what a route will accept before its handler
// runs: permitted methods, required headers, and acceptable content types
// for requests that carry a body.
type ValidationConfig struct {
	AllowedMethods  []string
	RequiredHeaders []string
	ContentTypes    []string
}

// Validate rejects requests that fail the declared shape with the
// matching 4xx, so handlers only ever see requests worth decoding.
func Validate(cfg ValidationConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(cfg.AllowedMethods) > 0 && !contains(cfg.AllowedMethods, r.Method) {
				httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed,
					"METHOD_NOT_ALLOWED", "method not allowed", nil)
				return
			}

			for _, header := range cfg.RequiredHeaders {
				if r.Header.Get(header) == "" {
					httputil.WriteErrorResponse(w, r, http.StatusBadRequest,
						"MISSING_HEADER", "missing required header: "+header, nil)
					return
				}
			}

			if r.ContentLength > 0 && len(cfg.ContentTypes) > 0 {
				ct := r.Header.Get("Content-Type")
				ok := false
				for _, accepted := range cfg.ContentTypes {
					if strings.HasPrefix(ct, accepted) {
						ok = true
						break
					}
				}
				if !ok {
					httputil.WriteErrorResponse(w, r, http.StatusUnsupportedMediaType,
						"UNSUPPORTED_MEDIA_TYPE", "unsupported content type", nil)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
