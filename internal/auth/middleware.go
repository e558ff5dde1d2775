package auth

import (
	"context"
	"net/http"
	"strings"

	"member-auth/internal/token"
)

type contextKey struct{}

var claimsKey contextKey

// ClaimsFromContext returns the verified access claims, or nil outside the
// middleware.
func ClaimsFromContext(ctx context.Context) *token.AccessClaims {
	claims, _ := ctx.Value(claimsKey).(*token.AccessClaims)
	return claims
}

// Middleware verifies the bearer token and stores its claims on the request
// context. Every failure gets the same 401; validation details stay in the
// error, not the response.
func Middleware(issuer AccessIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		raw := strings.TrimSpace(parts[1])
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}

		claims, err := issuer.Validate(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a handler behind one of the caller's roles.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		for _, have := range claims.Roles {
			if have == role {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeError(w, http.StatusForbidden, "insufficient role")
	})
}
