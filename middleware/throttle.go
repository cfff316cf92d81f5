package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/MrEthical07/shopguard"
)

// Throttler is satisfied by *shopguard.Core.
type Throttler interface {
	Throttle(ctx context.Context, identifier, action string) error
}

// KeyFunc picks the identifier a request is counted under.
type KeyFunc func(*http.Request) string

// ClientIP keys requests by the remote address without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormValue keys requests by a form or query field, falling back to the client IP.
func FormValue(field string) KeyFunc {
	return func(r *http.Request) string {
		if v := r.FormValue(field); v != "" {
			return v
		}
		return ClientIP(r)
	}
}

// Throttle counts the request against action's policy before the handler
// runs. The client IP is attached to the context either way so downstream
// audit events can record it.
func Throttle(t Throttler, action string, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shopguard.WithClientIP(r.Context(), ClientIP(r))
			r = r.WithContext(ctx)
			if t == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
			if err := t.Throttle(ctx, key(r), action); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
