// Package errkind defines the failure taxonomy shared by every core
// operation. Failures are values: each carries a Kind that callers branch on
// and a stable machine-readable code surfaced to API clients. Secrets never
// go into messages.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind int

const (
	// Unknown is the zero value for errors produced outside this package.
	Unknown Kind = iota
	// InvalidInput is a schema or precondition failure. Never retried.
	InvalidInput
	// PermissionDenied is an authorization failure. Never retried.
	PermissionDenied
	// Conflict is a state-precondition failure (wrong prior status).
	Conflict
	// Transient covers network errors, 5xx and timeouts. Retried with backoff.
	Transient
	// Permanent covers non-retryable external failures (4xx except 429,
	// signature rejection). Transitions the affected flow to failed.
	Permanent
	// Unavailable is a transient failure that exhausted its retry budget or
	// hit an open circuit breaker.
	Unavailable
	// InternalInvariant is a violated local invariant. The affected project
	// is quiesced and flagged for operator attention.
	InternalInvariant
)

// String returns the stable name for the kind.
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case PermissionDenied:
		return "permission_denied"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unavailable:
		return "unavailable"
	case InternalInvariant:
		return "internal_invariant"
	default:
		return "unknown"
	}
}

// Error is a typed failure with a kind, a stable code and a wrapped cause.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable identifier, e.g. "config_not_found"
	Message string
	Err     error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use errors.Is with kind sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind && (te.Code == "" || te.Code == e.Code)
	}
	return false
}

// New creates a typed error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: code, Err: err}
}

// Wrapf attaches a kind, code and formatted message to an underlying error.
func Wrapf(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unknown for nil or untyped.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf extracts the stable code from an error chain, or "" if untyped.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the retry layer may re-attempt the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}

// IsConflict reports whether err is a state-precondition failure.
func IsConflict(err error) bool { return KindOf(err) == Conflict }

// IsNotAuthorized reports whether err is an authorization failure.
func IsNotAuthorized(err error) bool { return KindOf(err) == PermissionDenied }

// FromHTTPStatus classifies an HTTP response status from an external service.
// 5xx and 429 are transient; other 4xx are permanent.
func FromHTTPStatus(status int, code string) *Error {
	switch {
	case status >= 500:
		return Newf(Transient, code, "upstream returned %d", status)
	case status == http.StatusTooManyRequests:
		return Newf(Transient, code, "upstream rate limited (429)")
	case status >= 400:
		return Newf(Permanent, code, "upstream rejected request with %d", status)
	default:
		return nil
	}
}

// HTTPStatus maps a kind to the status the API server responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidInput:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case Transient, Unavailable:
		return http.StatusServiceUnavailable
	case Permanent:
		return http.StatusBadGateway
	case InternalInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
