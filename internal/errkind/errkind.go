// Package errkind defines the error taxonomy shared by upstream clients,
// the store adapter, and the HTTP layer. Errors carry a Kind that maps to
// recovery behavior and, at the edge, to an HTTP status code.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	UpstreamRateLimited Kind = "upstream_rate_limited"
	UpstreamHTTP        Kind = "upstream_http_error"
	UpstreamTimeout     Kind = "upstream_timeout"
	UpstreamParse       Kind = "upstream_parse_error"
	Validation          Kind = "validation_error"
	StoreUnavailable    Kind = "store_unavailable"
	WriteConflict       Kind = "write_conflict"
	ModelNotTrained     Kind = "model_not_trained"
	HorizonOutOfRange   Kind = "forecast_horizon_out_of_range"
	Cancelled           Kind = "cancelled"
	Config              Kind = "config_error"
	NotFound            Kind = "not_found"
	BadRequest          Kind = "bad_request"
	Internal            Kind = "internal"
)

// Error is the canonical error type. StatusCode is only set for
// UpstreamHTTP errors and carries the upstream response code.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Details    map[string]interface{}
	wrapped    error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: StoreUnavailable}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

func HTTPError(code int, format string, args ...interface{}) *Error {
	return &Error{Kind: UpstreamHTTP, StatusCode: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf walks the error chain and returns the first Kind found,
// or Internal when the chain carries no taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether the error chain contains the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether a caller should retry the failed operation.
// 4xx upstream errors, parse errors and validation errors are permanent.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true // unclassified network-level errors retry
	}
	switch e.Kind {
	case UpstreamTimeout, UpstreamRateLimited, StoreUnavailable, WriteConflict:
		return true
	case UpstreamHTTP:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// Status maps a kind to the HTTP status returned by the API error middleware.
func Status(kind Kind) int {
	switch kind {
	case Validation, BadRequest, HorizonOutOfRange:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case UpstreamRateLimited, StoreUnavailable, ModelNotTrained:
		return http.StatusServiceUnavailable
	case UpstreamHTTP:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
