package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrEthical07/shopguard"
	"github.com/MrEthical07/shopguard/ratelimit"
)

// writeError maps the shopguard taxonomy onto status codes. Anything it does
// not recognise is a 503 so an unknown failure never reads as success.
func writeError(w http.ResponseWriter, err error) {
	var exceeded *ratelimit.ExceededError
	switch {
	case errors.As(err, &exceeded):
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case errors.Is(err, shopguard.ErrRateLimitExceeded):
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	case errors.Is(err, shopguard.ErrInvalidToken),
		errors.Is(err, shopguard.ErrExpiredToken),
		errors.Is(err, shopguard.ErrTokenReuseDetected),
		errors.Is(err, shopguard.ErrTokenRevoked),
		errors.Is(err, shopguard.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", `Bearer realm="shopguard", error="invalid_token"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, shopguard.ErrPermissionDenied):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, shopguard.ErrRoleNotFound):
		http.Error(w, "internal server error", http.StatusInternalServerError)
	default:
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}
