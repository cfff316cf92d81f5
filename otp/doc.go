// Package otp issues and verifies short numeric one-time codes for email
// verification and password reset. State lives only in Redis:
//
//	otp:{identifier}:{purpose} -> hash{hash, created_at, attempts}
//
// The plaintext code is returned to the caller for delivery and never stored.
// A verify call increments the attempt counter before comparing, so an
// interrupted verification still counts. Two concurrent verify calls may both
// pass the attempt check before either deletes the entry; the hash comparison
// is the real guard and the window is narrow, so this is not serialized.
package otp
