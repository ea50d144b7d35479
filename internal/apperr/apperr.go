// Package apperr gives every layer of the system a single vocabulary
// of error kinds, so C9 can translate failures into HTTP statuses
// without string-sniffing.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	Validation         Kind = "validation_error"
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	QueueFull          Kind = "queue_full"
	PayloadTooLarge    Kind = "payload_too_large"
	UpstreamTimeout    Kind = "upstream_timeout"
	UpstreamProtocol   Kind = "upstream_protocol_error"
	ServiceUnavailable Kind = "service_unavailable"
	IOError            Kind = "io_error"
	Internal           Kind = "internal"
)

// Error wraps a Kind with a user-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error. cause may be nil.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code C9 should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case QueueFull:
		return http.StatusTooManyRequests
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamProtocol, ServiceUnavailable:
		return http.StatusServiceUnavailable
	case IOError, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
