// Package api implements the Guardian REST API using chi.
package api

import (
	"fmt"
	"net/http"

	"github.com/starford/guardian/internal/apperr"
)

// requireUser rejects requests that reached the API without a resolved
// caller. It runs after auth.Middleware.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeError(w, r, "auth", fmt.Errorf("api: no user: %w", apperr.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
