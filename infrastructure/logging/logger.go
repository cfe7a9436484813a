// Package logging is the structured logging layer for Hydrogen's HTTP
// surface: a thin wrapper over logrus that stamps every line with the
// owning service and carries per-request identity (trace ID, caller)
// through context.Context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	userIDKey
)

// Logger wraps a logrus.Logger bound to one service name. The embedded
// logger provides the usual WithField/WithError/Info/Warn surface.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for service at the given level ("debug", "info",
// "warn", "error") and format ("json" or "text"). Unknown levels fall
// back to info.
func New(service, level, format string) *Logger {
	l := logrus.New()

	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l, service: service}
}

// NewFromEnv builds a Logger configured from HYDROGEN_LOG_LEVEL and
// HYDROGEN_LOG_FORMAT, defaulting to info-level JSON.
func NewFromEnv(service string) *Logger {
	return New(service, envOr("HYDROGEN_LOG_LEVEL", "info"), envOr("HYDROGEN_LOG_FORMAT", "json"))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// SetOutput redirects the logger's output stream.
func (l *Logger) SetOutput(w io.Writer) { l.Logger.SetOutput(w) }

// WithContext returns an entry carrying the service name plus whatever
// request identity the context holds.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if id := GetTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	if id := GetUserID(ctx); id != "" {
		fields["user_id"] = id
	}
	return l.Logger.WithFields(fields)
}

// WithFields returns an entry with the given fields plus the service name.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(fields)).WithField("service", l.service)
}

// LogRequest emits one line per served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogSecurityEvent emits one line for a security-relevant rejection
// (rate-limit trip, gate refusal), tagged so log pipelines can route it.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("security_event", event)
	if len(details) > 0 {
		entry = entry.WithFields(logrus.Fields(details))
	}
	entry.Warn("security event")
}

// NewTraceID mints a fresh request trace ID.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID attached to ctx, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithUserID attaches the authenticated caller's identity to ctx; the
// ingress rate limiter keys on it when present.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the caller identity attached to ctx, or "".
func GetUserID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(userIDKey).(string)
	return v
}
