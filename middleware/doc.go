// Package middleware exposes net/http adapters over the shopguard
// collaborator functions.
//
// # Guards
//
//   - [Guard] verifies the bearer access token and stores its claims on the request context.
//   - [RequirePermissions] authorizes the guarded subject against permission codes.
//   - [Throttle] applies a named rate-limit policy before the handler runs.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Core calls. Every decision is
// delegated: tokens are verified by Core.VerifyAccess, grants by
// Core.Authorize, budgets by Core.Throttle.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Access Redis or the durable store.
//   - Turn a backend failure into an allow decision.
package middleware
