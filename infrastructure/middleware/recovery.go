package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"

	"github.com/hydrogen-dev/hydrogen/infrastructure/httputil"
	"github.com/hydrogen-dev/hydrogen/infrastructure/logging"
)

// Recover turns a panicking handler into a logged 500 instead of a dead
// connection. The stack is logged, never sent to the caller.
func Recover(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				log.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				}).Error("panic recovered")

				svcErr := errInternal("internal server error", fmt.Errorf("%v", rec))
				httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
