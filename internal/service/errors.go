package service

import (
	"errors"
	"time"
)

// Error kinds. Every error a service returns to the HTTP layer matches one
// of these with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal error")
)

// Error carries the user-facing message next to its kind. Cause holds the
// underlying failure for logs and is never shown outside development.
type Error struct {
	Kind       error
	Message    string
	RetryAfter time.Duration
	Locked     bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func validation(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

func notFound(msg string) error {
	return &Error{Kind: ErrNotFound, Message: msg}
}

func forbidden(msg string) error {
	return &Error{Kind: ErrForbidden, Message: msg}
}

func unauthenticated(msg string) error {
	return &Error{Kind: ErrAuthentication, Message: msg}
}

func conflict(msg string) error {
	return &Error{Kind: ErrConflict, Message: msg}
}

func rateLimited(msg string, retryAfter time.Duration) error {
	return &Error{Kind: ErrRateLimited, Message: msg, RetryAfter: retryAfter, Locked: true}
}

func internal(msg string, cause error) error {
	if msg == "" {
		msg = "Internal Server Error"
	}
	return &Error{Kind: ErrInternal, Message: msg, Cause: cause}
}

// AsError extracts the service error from err. Anything else becomes an internal error.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: ErrInternal, Message: "Internal Server Error", Cause: err}
}
