package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExceeded      = errors.New("rate limit exceeded")
	ErrUnavailable   = errors.New("rate limit backend unavailable")
	ErrInvalidPolicy = errors.New("rate limit policy requires max_requests > 0 and window > 0")
)

// ExceededError carries what a caller needs to render a retry hint.
type ExceededError struct {
	Action     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d per %s, retry in %s",
		e.Action, e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrExceeded) match.
func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }
