package token

import "errors"

var (
	ErrInvalid = errors.New("token: invalid token")
	ErrExpired = errors.New("token: expired token")
	// ErrReuseDetected ends the whole family; the caller must force a new login.
	ErrReuseDetected = errors.New("token: refresh token reuse detected")
	// ErrRevoked is a token ended by logout, subject lifecycle or an operator.
	ErrRevoked = errors.New("token: refresh token revoked")
	// ErrSubjectBlocked is wrapped by a SubjectCheck refusal.
	ErrSubjectBlocked = errors.New("token: subject may not refresh")
)
