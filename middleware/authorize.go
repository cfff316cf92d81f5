package middleware

import (
	"context"
	"net/http"
)

// Authorizer is satisfied by *shopguard.Core.
type Authorizer interface {
	Authorize(ctx context.Context, subjectID string, codes ...string) error
}

// RequirePermissions allows the request only when the subject placed on the
// context by Guard holds every code. It must be mounted behind Guard.
func RequirePermissions(a Authorizer, codes ...string) func(http.Handler) http.Handler {
	required := append([]string(nil), codes...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromRequest(r)
			if !ok || a == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if err := a.Authorize(r.Context(), claims.SubjectID, required...); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
