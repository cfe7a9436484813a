package conduit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrogen-dev/hydrogen/infrastructure/errors"
	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
	"github.com/hydrogen-dev/hydrogen/infrastructure/metrics"
	"github.com/hydrogen-dev/hydrogen/infrastructure/middleware"
	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/dqm"
	"github.com/hydrogen-dev/hydrogen/pkg/version"
)

// TokenValidator validates a Conduit auth_queries bearer token and reports
// the caller's identity, available for parameter substitution by the
// handler's caller (identity itself is opaque to the dispatch pipeline —
// §4.I's auth_queries only requires the token be valid).
type TokenValidator interface {
	Validate(token string) (subject string, err error)
}

// JWTValidator validates HS256 bearer tokens via ParseWithClaims with an
// explicit signing-method check, scoped down to the one claim Conduit
// needs (subject).
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a JWTValidator around secret. A validator built
// from an empty secret always fails Validate: an unconfigured validator
// rejects everything rather than silently accepting tokens.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(strings.TrimSpace(secret))}
}

func (v *JWTValidator) Validate(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", dberrors.NewConduitError("", dberrors.ErrAuthFailed, "auth not configured")
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, dberrors.NewConduitError("", dberrors.ErrAuthFailed, "unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", dberrors.NewConduitError("", dberrors.ErrAuthFailed, "invalid token")
	}
	return claims.Subject, nil
}

// Handler is the Conduit HTTP surface (§6): routes
// /api/conduit/{queries,auth_queries,alt_queries}, /api/conduit/status, and
// /healthz/livez/readyz, wrapped with the standard logging/recovery/cors/
// security-headers/metrics/timeout/bodylimit/ratelimit middleware chain.
type Handler struct {
	dispatcher *Dispatcher
	validator  TokenValidator
	log        *logging.Logger
	ready      bool
}

// NewHandler builds the Conduit HTTP surface. validator may be nil, in
// which case auth_queries always returns AuthFailed. log follows the
// infrastructure/logging convention the rest of the HTTP middleware chain
// (RequestLog, Recover) already expects. sharedSecret, if non-empty, gates
// Conduit behind the deployment's fronting relay (see
// middleware.RelayGate); an empty sharedSecret disables the gate.
func NewHandler(dispatcher *Dispatcher, validator TokenValidator, log *logging.Logger, sharedSecret string) http.Handler {
	if log == nil {
		log = logging.NewFromEnv("conduit")
	}
	h := &Handler{dispatcher: dispatcher, validator: validator, log: log, ready: true}

	router := mux.NewRouter()
	router.Use(middleware.RequestLog(log))
	router.Use(middleware.Recover(log))
	router.Use(middleware.SecurityHeaders(nil))
	router.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: []string{"*"}}))
	router.Use(middleware.Timeout(DefaultRequestTimeout))
	router.Use(middleware.BodyLimit(1 << 20))
	// Coarse per-caller ingress throttle, layered above (not instead of)
	// the per-database max_queries_per_request count enforced by the
	// Dispatcher itself.
	rl := middleware.NewRateLimiterFromConfig(middleware.RateLimiterConfig{
		RequestsPerSecond: IngressRequestsPerSecond,
		Burst:             IngressBurst,
		Logger:            log,
	})
	router.Use(rl.Handler)
	if sharedSecret != "" {
		router.Use(middleware.RelayGate(sharedSecret, log))
	}
	if metrics.Enabled() {
		router.Use(middleware.MetricsMiddleware("conduit", metrics.Init("conduit")))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	checker := middleware.NewHealthChecker(version.Version)
	for _, name := range dispatcher.Databases() {
		dbName := name
		checker.RegisterCheck(dbName, func() error {
			db, err := dispatcher.Lookup(dbName)
			if err != nil {
				return err
			}
			if st := db.Supervisor.Status(); st.State != dqm.Running {
				return fmt.Errorf("database not running: %s", st.State)
			}
			return nil
		})
	}
	router.Handle("/healthz", checker.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", middleware.ReadinessHandler(&h.ready)).Methods(http.MethodGet)

	validated := middleware.Validate(middleware.ValidationConfig{
		AllowedMethods: []string{http.MethodPost},
		ContentTypes:   []string{"application/json"},
	})

	router.HandleFunc("/api/conduit/status", h.status).Methods(http.MethodGet)
	router.Handle("/api/conduit/queries", validated(http.HandlerFunc(h.queries))).Methods(http.MethodPost)
	router.Handle("/api/conduit/auth_queries", validated(http.HandlerFunc(h.authQueries))).Methods(http.MethodPost)
	router.Handle("/api/conduit/alt_queries", validated(http.HandlerFunc(h.altQueries))).Methods(http.MethodPost)

	return router
}

type queriesRequest struct {
	Database string       `json:"database"`
	Queries  []QueryInput `json:"queries"`
}

type authQueriesRequest struct {
	Token    string       `json:"token"`
	Database string       `json:"database"`
	Queries  []QueryInput `json:"queries"`
}

type queriesResponse struct {
	Results []QueryResult  `json:"results"`
	Timing  map[string]any `json:"timing"`
}

func (h *Handler) queries(w http.ResponseWriter, r *http.Request) {
	var req queriesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	h.respond(w, r, req.Database, req.Queries)
}

func (h *Handler) authQueries(w http.ResponseWriter, r *http.Request) {
	var req authQueriesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if req.Token == "" || h.validator == nil {
		writeServiceError(w, r, errors.Unauthorized("token required"))
		return
	}
	if _, err := h.validator.Validate(req.Token); err != nil {
		writeServiceError(w, r, errors.InvalidToken(err))
		return
	}
	h.respond(w, r, req.Database, req.Queries)
}

func (h *Handler) altQueries(w http.ResponseWriter, r *http.Request) {
	var req authQueriesRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeServiceError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if req.Token == "" {
		writeServiceError(w, r, errors.MissingParameter("token"))
		return
	}
	if req.Database == "" {
		writeServiceError(w, r, errors.MissingParameter("database"))
		return
	}
	if len(req.Queries) == 0 {
		writeServiceError(w, r, errors.MissingParameter("queries"))
		return
	}
	if h.validator == nil {
		writeServiceError(w, r, errors.Unauthorized("token required"))
		return
	}
	if _, err := h.validator.Validate(req.Token); err != nil {
		writeServiceError(w, r, errors.InvalidToken(err))
		return
	}
	h.respond(w, r, req.Database, req.Queries)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, database string, queries []QueryInput) {
	start := time.Now()
	results, err := h.dispatcher.Queries(r.Context(), database, queries)
	if err != nil {
		writeServiceError(w, r, mapConduitError(database, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, queriesResponse{
		Results: results,
		Timing:  map[string]any{"elapsed_ms": time.Since(start).Milliseconds()},
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("database")
	if name != "" {
		db, err := h.dispatcher.Lookup(name)
		if err != nil {
			writeServiceError(w, r, mapConduitError(name, err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, db.Supervisor.Status())
		return
	}

	out := make(map[string]dqm.Status, len(h.dispatcher.Databases()))
	for _, n := range h.dispatcher.Databases() {
		db, _ := h.dispatcher.Lookup(n)
		out[n] = db.Supervisor.Status()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"databases": out,
		"runtime":   middleware.RuntimeStats(),
	})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// mapConduitError translates a domain-level Conduit error kind into the
// HTTP-facing ServiceError envelope (§7 "User-visible behavior": whole-
// request failures — validation, auth, rate-limit, unknown database —
// return a single error object rather than a per-query slot).
func mapConduitError(database string, err error) *errors.ServiceError {
	switch {
	case dberrors.IsUnknownDatabase(err):
		return errors.NotFound("database", database)
	case dberrors.IsRateLimited(err):
		return errors.RateLimitExceeded(0, "per-request")
	case dberrors.IsUnknownQueryRef(err):
		return errors.InvalidInput("queries", err.Error())
	default:
		return errors.Internal("conduit dispatch failed", err)
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, svcErr *errors.ServiceError) {
	httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
}
