package retry

import (
	"context"
	"errors"
	"fmt"
)

// Class represents a classification of fetch failures.
type Class string

const (
	// ClassNetwork represents transport failures (connection reset, DNS, ...).
	ClassNetwork Class = "network"

	// ClassTimeout represents an attempt that ran past its deadline.
	ClassTimeout Class = "timeout"

	// ClassRateLimit represents the remote source refusing work for now (HTTP 429).
	ClassRateLimit Class = "rate_limit"

	// ClassServer represents 5xx responses.
	ClassServer Class = "server"

	// ClassRender represents the remote page itself failing to render.
	// The identical request is worth repeating.
	ClassRender Class = "render"

	// ClassNotFound represents a profile that does not exist.
	ClassNotFound Class = "not_found"

	// ClassSuspended represents a profile that exists but is unavailable.
	ClassSuspended Class = "suspended"

	// ClassMalformed represents a response that cannot be turned into a record.
	ClassMalformed Class = "malformed"
)

// Retryable determines if a failure of this class warrants another attempt.
func (c Class) Retryable() bool {
	switch c {
	case ClassNetwork, ClassTimeout, ClassRateLimit, ClassServer, ClassRender:
		return true
	case ClassNotFound, ClassSuspended, ClassMalformed:
		// Problems with the identifier itself never heal on retry.
		return false
	default:
		return false
	}
}

// Common errors returned by the retry policy.
var (
	// ErrRetryExhausted is returned when all attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// Error is a classified fetch failure.
type Error struct {
	Class      Class
	StatusCode int
	Message    string
	Err        error
}

// NewError builds a classified error.
func NewError(class Class, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	status := ""
	if e.StatusCode != 0 {
		status = fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error%s: %s: %v", e.Class, status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error%s: %s", e.Class, status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the class of err. Unclassified errors count as network
// failures so that they are retried.
func Classify(err error) Class {
	var fe *Error
	if errors.As(err, &fe) && fe.Class != "" {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassNetwork
}
