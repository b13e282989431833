// Package apperr defines the error taxonomy shared by the resilience layer,
// the booking core and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a normalized failure category.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindAuth               Kind = "AUTH"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindRateLimit          Kind = "RATE_LIMIT"
	KindExternalDependency Kind = "EXTERNAL_DEPENDENCY"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindTimeout            Kind = "TIMEOUT"
	KindNetwork            Kind = "NETWORK"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL"
)

// ErrCircuitOpen marks a call rejected by an open circuit breaker.
var ErrCircuitOpen = errors.New("circuit open")

// retryable lists the kinds the retry executor may retry.
var retryable = map[Kind]bool{
	KindExternalDependency: true,
	KindNetwork:            true,
	KindTimeout:            true,
	KindRateLimit:          true,
	KindServiceUnavailable: true,
}

// IsRetryable reports whether failures of kind k are transient.
func (k Kind) IsRetryable() bool {
	return retryable[k]
}

// Status returns the HTTP-equivalent status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExternalDependency:
		return http.StatusBadGateway
	case KindCircuitOpen, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Status  int

	// Field names the offending input for VALIDATION errors.
	Field string
	// Violation is a machine-readable reason, e.g. "conflict".
	Violation string

	// RetryAfter is the upstream Retry-After hint (RATE_LIMIT).
	RetryAfter time.Duration

	// NextRetryAt and FailureCount are set on CIRCUIT_OPEN.
	NextRetryAt  time.Time
	FailureCount int

	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrCircuitOpen) match classified circuit errors.
func (e *Error) Is(target error) bool {
	return target == ErrCircuitOpen && e.Kind == KindCircuitOpen
}

// New creates a classified error with the kind's default status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: kind.Status()}
}

// Wrap creates a classified error around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Err = cause
	return e
}

// Validation creates a VALIDATION error for field.
func Validation(field, violation, message string) *Error {
	e := New(KindValidation, message)
	e.Field = field
	e.Violation = violation
	return e
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of err, classifying it when needed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err, nil).Kind
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
