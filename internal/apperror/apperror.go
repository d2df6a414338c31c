// Package apperror defines the error taxonomy shared by handlers and
// services. Callers branch on Kind, never on provider-specific codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and flow branching.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindNotFound
	KindConflict
	KindServiceUnavailable
	KindExternalService
)

// Error carries a kind, a safe user-facing message, and an optional cause.
// The cause is logged server-side and never serialized to clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Validation reports bad input detected at the boundary.
func Validation(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

// Authentication reports a failed or missing credential.
func Authentication(msg string) *Error {
	return newError(KindAuthentication, msg, nil)
}

// Authorization reports a permission failure.
func Authorization(msg string) *Error {
	return newError(KindAuthorization, msg, nil)
}

// RateLimit reports that the caller exceeded a request budget.
func RateLimit(msg string) *Error {
	return newError(KindRateLimit, msg, nil)
}

// NotFound reports an absent record or token.
func NotFound(msg string) *Error {
	return newError(KindNotFound, msg, nil)
}

// Conflict reports a uniqueness violation such as a duplicate email.
func Conflict(msg string) *Error {
	return newError(KindConflict, msg, nil)
}

// ServiceUnavailable normalizes an infrastructure failure. The cause is kept
// for logging only.
func ServiceUnavailable(cause error) *Error {
	return newError(KindServiceUnavailable, "Service temporarily unavailable. Please try again later.", cause)
}

// ExternalService reports a dependency failure such as the email provider.
func ExternalService(msg string, cause error) *Error {
	return newError(KindExternalService, msg, cause)
}

// As extracts an *Error from err, or wraps it as an unknown internal error.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return newError(KindUnknown, "Internal server error.", err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
