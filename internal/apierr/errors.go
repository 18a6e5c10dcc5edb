// Package apierr defines the typed error taxonomy shared by the chat
// coordinator, ingestion pipeline, and HTTP surface, along with the status
// code each kind maps to.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure independent of its message.
type Kind string

const (
	ValidationFailed        Kind = "validation_failed"
	NotFound                Kind = "not_found"
	Forbidden               Kind = "forbidden"
	CrossOwnerNotAllowed    Kind = "cross_owner_not_allowed"
	ConflictingModelOverride Kind = "conflicting_model_override"
	ServiceUnavailable      Kind = "service_unavailable"
	ProviderRejected        Kind = "provider_rejected"
	UpstreamTimeout         Kind = "upstream_timeout"
	Internal                Kind = "internal"
)

// Status returns the HTTP status code a Kind maps to.
func (k Kind) Status() int {
	switch k {
	case ValidationFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case CrossOwnerNotAllowed, ConflictingModelOverride:
		return http.StatusBadRequest
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case ProviderRejected:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed application error carrying a Kind and an optional cause.
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

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// an *Error (or wraps one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
