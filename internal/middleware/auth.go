/*
File: internal/middleware/auth.go
Description: JWT authentication middleware for the /connect endpoint and the
ops API. Tokens are validated against the identity service's JWKS; the
token subject is the caller's logical device identity.
*/
// Package middleware provides HTTP middleware shared by the relay's servers.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

type contextKey string

const deviceIDKey contextKey = "authedDeviceID"

// GetDeviceIDFromContext returns the authenticated logical device identity
// placed in the request context by an auth middleware.
func GetDeviceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey).(string)
	return id, ok
}

// NewJWKSAuthMiddleware returns middleware validating bearer tokens against
// the JWKS at jwksURL. The key set is cached and refreshed in the
// background.
func NewJWKSAuthMiddleware(ctx context.Context, jwksURL string, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	// Fetch once up front so a bad URL fails at startup, not per-request.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	keySet := jwk.NewCachedSet(cache, jwksURL)
	authLogger := logger.With().Str("component", "AuthMiddleware").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := jwt.ParseRequest(r, jwt.WithKeySet(keySet), jwt.WithValidate(true))
			if err != nil {
				authLogger.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected request with invalid token.")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			sub := token.Subject()
			if sub == "" {
				authLogger.Warn().Str("path", r.URL.Path).Msg("Rejected token with empty subject.")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			reqCtx := context.WithValue(r.Context(), deviceIDKey, sub)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		})
	}, nil
}

// NoopAuth returns middleware that asserts the given identity without
// validating anything. Used in local run mode and tests. An empty deviceID
// leaves the context unset, which the relay treats as "no identity
// assertions".
func NoopAuth(deviceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deviceID == "" {
				next.ServeHTTP(w, r)
				return
			}
			reqCtx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		})
	}
}
