package shopguard

import "context"

type clientIPContextKey struct{}
type subjectContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. Register throttles on
// it and audit events record it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// ClientIPFromContext returns the IP stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

// WithAccessClaims stores verified access-token claims on ctx.
func WithAccessClaims(ctx context.Context, c AccessClaims) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, c)
}

// AccessClaimsFromContext returns claims stored by WithAccessClaims.
func AccessClaimsFromContext(ctx context.Context) (AccessClaims, bool) {
	if ctx == nil {
		return AccessClaims{}, false
	}
	c, ok := ctx.Value(subjectContextKey{}).(AccessClaims)
	return c, ok
}
