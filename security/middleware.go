package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type claimsContextKey struct{}

// TokenMiddleware authenticates requests carrying a bearer token. The
// identity in a valid token is trusted as is.
type TokenMiddleware struct {
	tokens *TokenManager
}

// NewTokenMiddleware creates a new TokenMiddleware
func NewTokenMiddleware(tokens *TokenManager) *TokenMiddleware {
	return &TokenMiddleware{tokens: tokens}
}

// Middleware rejects requests without a valid token and stores the claims
// in the request context.
func (m *TokenMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "Unauthorized: missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if errors.Is(err, ErrTokenExpired) {
			http.Error(w, "Unauthorized: token expired", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireScope rejects authenticated requests whose token lacks scope.
// Requests that were not authenticated pass through unchanged.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := ClaimsFromContext(r.Context()); ok && !claims.HasScope(scope) {
				http.Error(w, "Forbidden: missing scope "+scope, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter used by websocket clients.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *TokenClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*TokenClaims)
	return claims, ok
}
