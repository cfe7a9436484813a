package conduit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestHandler(t *testing.T, validator TokenValidator) http.Handler {
	t.Helper()
	db, _ := newTestDatabase(t, 5)
	d := NewDispatcher(nil)
	d.Register(db)
	return NewHandler(d, validator, nil, "")
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueriesEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	rec := postJSON(t, h, "/api/conduit/queries", queriesRequest{
		Database: "acuranzo",
		Queries:  []QueryInput{{QueryRef: 1}, {QueryRef: 2}, {QueryRef: 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp queriesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(resp.Results))
	}
}

func TestQueriesEndpointUnknownDatabase(t *testing.T) {
	h := newTestHandler(t, nil)
	rec := postJSON(t, h, "/api/conduit/queries", queriesRequest{
		Database: "missing",
		Queries:  []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func signToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthQueriesRejectsMissingToken(t *testing.T) {
	h := newTestHandler(t, NewJWTValidator("topsecret"))
	rec := postJSON(t, h, "/api/conduit/auth_queries", authQueriesRequest{
		Database: "acuranzo",
		Queries:  []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAuthQueriesRejectsBadToken(t *testing.T) {
	h := newTestHandler(t, NewJWTValidator("topsecret"))
	rec := postJSON(t, h, "/api/conduit/auth_queries", authQueriesRequest{
		Token:    signToken(t, "wrongsecret", "caller-1"),
		Database: "acuranzo",
		Queries:  []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAuthQueriesAcceptsValidToken(t *testing.T) {
	h := newTestHandler(t, NewJWTValidator("topsecret"))
	rec := postJSON(t, h, "/api/conduit/auth_queries", authQueriesRequest{
		Token:    signToken(t, "topsecret", "caller-1"),
		Database: "acuranzo",
		Queries:  []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAltQueriesRequiresAllFields(t *testing.T) {
	h := newTestHandler(t, NewJWTValidator("topsecret"))

	rec := postJSON(t, h, "/api/conduit/alt_queries", authQueriesRequest{
		Database: "acuranzo",
		Queries:  []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token: status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h, "/api/conduit/alt_queries", authQueriesRequest{
		Token:   signToken(t, "topsecret", "caller-1"),
		Queries: []QueryInput{{QueryRef: 1}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing database: status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h, "/api/conduit/alt_queries", authQueriesRequest{
		Token:    signToken(t, "topsecret", "caller-1"),
		Database: "acuranzo",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing queries: status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndStatus(t *testing.T) {
	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conduit/status?database=acuranzo", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
