package otp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExpired covers never issued, already consumed and TTL-lapsed codes alike.
	ErrExpired          = errors.New("otp: code expired or not found")
	ErrInvalid          = errors.New("otp: invalid code")
	ErrAttemptsExceeded = errors.New("otp: too many attempts")
	ErrCooldownActive   = errors.New("otp: resend cooldown active")
	ErrUnavailable      = errors.New("otp: backend unavailable")
	ErrInvalidRequest   = errors.New("otp: identifier and purpose are required")
)

// CooldownError reports how long until a new code may be generated.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("otp: resend cooldown active, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }

// InvalidCodeError reports a mismatch and the attempts still available.
type InvalidCodeError struct {
	AttemptsLeft int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("otp: invalid code, %d attempts left", e.AttemptsLeft)
}

func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalid }
