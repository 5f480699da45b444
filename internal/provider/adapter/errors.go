// Package adapter holds the plumbing every provider adapter shares: the HTTP JSON client,
// submission gates, and error classification.
package adapter

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable  = errors.New("provider unreachable")
	ErrTimeout      = errors.New("provider request timeout")
	ErrRejected     = errors.New("provider rejected request")
	ErrMalformed    = errors.New("provider returned malformed payload")
	ErrNotSupported = errors.New("operation not supported by provider delivery mode")
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", ErrRejected, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrRejected, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return false
}
