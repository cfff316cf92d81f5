// Package shopguard is the security core of the shop backend: bearer sessions
// with rotating refresh tokens, one-time codes, sliding-window throttling and
// role-based permission resolution.
//
// Request handlers talk to a single [Core] built through [Builder]. Core
// methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Storage
//
// Durable state (subjects, roles, grants, refresh-token records) lives in a
// SQL database reached through database/sql; Postgres via pgx in production.
// Ephemeral state (one-time codes, rate windows, memoized permission sets)
// lives in Redis. Every cached value is bounded by the durable state: a cached
// permission set is keyed by the role version it was computed from, and
// refresh-token revocation is decided only by the database.
//
// # What this package must NOT do
//
//   - Log or audit passwords, one-time codes or raw tokens.
//   - Turn a backend failure into an allow decision.
//   - Terminate TLS or parse HTTP headers; see package middleware for adapters.
package shopguard
