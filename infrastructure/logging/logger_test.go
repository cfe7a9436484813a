package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func captureJSON(t *testing.T, l *Logger, emit func()) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	emit()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return line
}

func TestNewAppliesLevelAndFormat(t *testing.T) {
	l := New("conduit", "warn", "json")
	if l.GetLevel() != logrus.WarnLevel {
		t.Fatalf("level = %v, want warn", l.GetLevel())
	}

	l = New("conduit", "not-a-level", "text")
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %v", l.GetLevel())
	}
}

func TestWithContextCarriesRequestIdentity(t *testing.T) {
	l := New("conduit", "info", "json")
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "caller-9")

	line := captureJSON(t, l, func() {
		l.WithContext(ctx).Info("hello")
	})
	if line["service"] != "conduit" {
		t.Errorf("service = %v, want conduit", line["service"])
	}
	if line["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v, want trace-1", line["trace_id"])
	}
	if line["user_id"] != "caller-9" {
		t.Errorf("user_id = %v, want caller-9", line["user_id"])
	}
}

func TestWithContextOmitsAbsentIdentity(t *testing.T) {
	l := New("conduit", "info", "json")
	line := captureJSON(t, l, func() {
		l.WithContext(context.Background()).Info("hello")
	})
	if _, ok := line["trace_id"]; ok {
		t.Error("trace_id should be absent without WithTraceID")
	}
	if _, ok := line["user_id"]; ok {
		t.Error("user_id should be absent without WithUserID")
	}
}

func TestLogRequestFields(t *testing.T) {
	l := New("conduit", "info", "json")
	line := captureJSON(t, l, func() {
		l.LogRequest(context.Background(), "POST", "/api/conduit/queries", 200, 42*time.Millisecond)
	})
	if line["method"] != "POST" || line["path"] != "/api/conduit/queries" {
		t.Errorf("unexpected request fields: %v", line)
	}
	if line["status"] != float64(200) {
		t.Errorf("status = %v, want 200", line["status"])
	}
	if line["duration_ms"] != float64(42) {
		t.Errorf("duration_ms = %v, want 42", line["duration_ms"])
	}
}

func TestLogSecurityEventTagsLine(t *testing.T) {
	l := New("conduit", "info", "json")
	line := captureJSON(t, l, func() {
		l.LogSecurityEvent(context.Background(), "rate_limit_exceeded", map[string]interface{}{"key": "1.2.3.4"})
	})
	if line["security_event"] != "rate_limit_exceeded" {
		t.Errorf("security_event = %v", line["security_event"])
	}
	if line["key"] != "1.2.3.4" {
		t.Errorf("detail field lost: %v", line)
	}
	if line["level"] != "warning" {
		t.Errorf("level = %v, want warning", line["level"])
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Error("empty context should have no trace ID")
	}
	ctx := WithTraceID(context.Background(), "t-1")
	if GetTraceID(ctx) != "t-1" {
		t.Error("trace ID did not round-trip")
	}
	if NewTraceID() == "" || NewTraceID() == NewTraceID() {
		t.Error("NewTraceID must mint distinct non-empty IDs")
	}
}

func TestUserIDRoundTrip(t *testing.T) {
	if GetUserID(context.Background()) != "" {
		t.Error("empty context should have no user ID")
	}
	ctx := WithUserID(context.Background(), "u-1")
	if GetUserID(ctx) != "u-1" {
		t.Error("user ID did not round-trip")
	}
}
