package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func gatedHandler(secret string) http.Handler {
	return RelayGate(secret, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRelayGateExemptsProbeEndpoints(t *testing.T) {
	handler := gatedHandler("s3cret")
	for _, path := range []string{"/healthz", "/livez", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200 without relay headers", path, rec.Code)
		}
	}
}

func TestRelayGateRejectsMissingHeaders(t *testing.T) {
	handler := gatedHandler("s3cret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conduit/queries", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no headers: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conduit/queries", nil)
	req.Header.Set("X-Shared-Secret", "s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing relay id: status = %d, want 401", rec.Code)
	}
}

func TestRelayGateRejectsWrongSecret(t *testing.T) {
	handler := gatedHandler("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/conduit/queries", nil)
	req.Header.Set("X-Hydrogen-Relay-Id", "relay-1")
	req.Header.Set("X-Shared-Secret", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRelayGateAdmitsMatchingSecret(t *testing.T) {
	handler := gatedHandler("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/conduit/queries", nil)
	req.Header.Set("X-Hydrogen-Relay-Id", "relay-1")
	req.Header.Set("X-Shared-Secret", "s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
