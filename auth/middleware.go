package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hazyhaar/presencewatch/kit"
)

type claimsKey struct{}

// Middleware reads the session token from the cookie or, failing that,
// the Authorization Bearer header. Valid claims are put in the request
// context together with the operator email (kit.WithUserEmail). Missing
// or invalid tokens pass through untouched; RequireAuth enforces.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenStr string
			if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
				tokenStr = c.Value
			} else if h, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				tokenStr = h
			}
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				ClearTokenCookie(w)
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithUserEmail(ctx, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the claims set by Middleware, or nil.
func GetClaims(ctx context.Context) *OperatorClaims {
	c, _ := ctx.Value(claimsKey{}).(*OperatorClaims)
	return c
}

// RequireAuth answers 401 when Middleware found no valid token.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
