package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/shopguard"
)

// AccessVerifier is satisfied by *shopguard.Core.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, accessToken string) (shopguard.AccessClaims, error)
}

// Guard rejects requests without a valid bearer access token and stores the
// verified claims on the request context for downstream handlers.
func Guard(v AccessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="shopguard"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyAccess(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := shopguard.WithAccessClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromRequest returns the claims stored by Guard.
func ClaimsFromRequest(r *http.Request) (shopguard.AccessClaims, bool) {
	return shopguard.AccessClaimsFromContext(r.Context())
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
