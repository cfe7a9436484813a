// Package httputil holds the response helpers shared by the Conduit
// handlers and the middleware chain: JSON writing, the error envelope
// every 4xx/5xx goes out in, and client-IP extraction for rate-limit
// keying.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// ErrorResponse is the envelope every error response carries.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var log = logging.NewFromEnv("httputil")

// WriteJSON encodes data as the response body under status. An encode
// failure at this point cannot be reported to the caller (the status is
// already on the wire), so it is only logged.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("encode json response")
	}
}

// WriteErrorResponse writes the standard error envelope, carrying the
// request's trace ID so the caller can quote it back. An empty code gets
// a status-derived placeholder.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	traceID := requestTraceID(w, r)
	if traceID != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", traceID)
	}

	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: traceID,
	})
}

// requestTraceID digs the trace ID out of wherever the middleware left
// it: request context first, then the request header, then the response
// header (for writers invoked without a request, e.g. the panic path).
func requestTraceID(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if id := logging.GetTraceID(r.Context()); id != "" {
			return id
		}
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			return id
		}
	}
	return w.Header().Get("X-Trace-ID")
}

// WriteError is WriteErrorResponse without request context or details.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteErrorResponse(w, nil, status, "", message, nil)
}

// Unauthorized writes the 401 envelope.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}
