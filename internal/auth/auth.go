// Package auth resolves the calling user of an API request.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starford/guardian/internal/apperr"
)

// Modes.
const (
	ModeDisabled = "disabled"
	ModeToken    = "token"
	ModeSupabase = "supabase"
)

// CookieName is the session cookie set by the Supabase browser client.
const CookieName = "sb-access-token"

// ErrUnavailable is returned when the identity provider cannot be reached.
var ErrUnavailable = errors.New("auth: identity provider unavailable")

// Verifier maps a bearer token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type ctxKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user of ctx, or "" when there is none.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// StaticVerifier accepts a single configured token.
type StaticVerifier struct {
	Token  string
	UserID string
}

// Verify compares token with the configured one in constant time.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return "", fmt.Errorf("auth: token rejected: %w", apperr.ErrUnauthorized)
	}
	return v.UserID, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware authenticates requests. A nil verifier disables
// authentication and attributes every request to localUser.
func Middleware(v Verifier, localUser string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), localUser)))
				return
			}
			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			userID, err := v.Verify(r.Context(), token)
			switch {
			case err == nil && userID != "":
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
			case errors.Is(err, ErrUnavailable):
				slog.Warn("auth: provider unavailable", slog.String("error", err.Error()))
				writeError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
			default:
				writeError(w, http.StatusUnauthorized, "unauthorized")
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
