// Package ratelimit implements a sliding-window request counter per
// (identifier, action) pair on Redis sorted sets.
//
// Each attempt is a sorted-set member scored by its timestamp under
// rate_limit:{action}:{identifier}. Every check trims members older than
// the window before counting, so the window is exact at read time.
//
// The trim, count and append steps are separate round trips. Concurrent
// checks for the same key can therefore overshoot the limit by a small
// margin; this is an accepted approximation and the limiter is not a
// security boundary on its own. Redis failures are returned to the caller
// and never treated as an allow.
package ratelimit
