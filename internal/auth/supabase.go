package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/supabase-community/supabase-go"

	"github.com/starford/guardian/internal/apperr"
)

// UserLookup resolves an access token to a user id by asking the identity
// provider.
type UserLookup func(token string) (string, error)

// errRejected marks a lookup the provider answered with a refusal. It does
// not count against the breaker.
var errRejected = errors.New("auth: token rejected by provider")

// SupabaseVerifier checks access tokens against Supabase Auth. Calls go
// through a circuit breaker so that an outage fails fast with
// ErrUnavailable instead of stalling every request.
type SupabaseVerifier struct {
	lookup      UserLookup
	callTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// NewSupabaseClientLookup builds a UserLookup backed by the Supabase client.
func NewSupabaseClientLookup(url, key string) (UserLookup, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: supabase client: %w", err)
	}
	return func(token string) (string, error) {
		user, err := client.Auth.WithToken(token).GetUser()
		if err != nil {
			return "", err
		}
		return user.ID.String(), nil
	}, nil
}

// NewSupabaseVerifier wraps lookup with a breaker that opens after five
// consecutive provider failures and probes again after openTimeout. Each
// lookup is abandoned after callTimeout, which counts as a failure.
func NewSupabaseVerifier(lookup UserLookup, callTimeout, openTimeout time.Duration) *SupabaseVerifier {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase-auth",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A caller that went away says nothing about the provider.
			return err == nil || errors.Is(err, errRejected) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("auth: breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &SupabaseVerifier{lookup: lookup, callTimeout: callTimeout, breaker: cb}
}

type lookupResult struct {
	id  string
	err error
}

// Verify resolves token to the Supabase user id. The provider call is bounded
// by ctx and the call timeout.
func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.callTimeout)
	defer cancel()

	out, err := v.breaker.Execute(func() (any, error) {
		// The Supabase client takes no context, so a hung call is left to
		// finish on its own.
		done := make(chan lookupResult, 1)
		go func() {
			id, err := v.lookup(token)
			done <- lookupResult{id: id, err: err}
		}()

		var res lookupResult
		select {
		case res = <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("auth: supabase lookup: %w", ctx.Err())
		}
		if res.err != nil {
			if rejected(res.err) {
				return nil, fmt.Errorf("%w: %v", errRejected, res.err)
			}
			return nil, res.err
		}
		return res.id, nil
	})
	switch {
	case err == nil:
		return out.(string), nil
	case errors.Is(err, errRejected):
		return "", fmt.Errorf("%v: %w", err, apperr.ErrUnauthorized)
	default:
		// Provider failures and an open breaker both land here.
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// State reports the breaker state.
func (v *SupabaseVerifier) State() gobreaker.State {
	return v.breaker.State()
}

// Ping fails while the breaker is open.
func (v *SupabaseVerifier) Ping(_ context.Context) error {
	if v.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

// rejected reports whether a provider error is a refusal of the token
// rather than a transport or server failure.
func rejected(err error) bool {
	msg := err.Error()
	for _, s := range []string{"401", "403", "invalid", "expired", "malformed"} {
		if strings.Contains(strings.ToLower(msg), s) {
			return true
		}
	}
	return false
}
