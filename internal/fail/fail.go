// Package fail defines the closed error taxonomy shared by the durability
// and resilience layers.
//
// Every error that crosses a subsystem boundary is an *Error carrying a
// [Kind]. The retry layer inspects only the kind, never the message; the
// HTTP surface maps kinds to status codes. Use [errors.As] to extract the
// structured error and [Is] to test for a specific kind:
//
//	if fail.Is(err, fail.NetworkTimeout) { ... }
package fail

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

// The taxonomy. Closed set; adding a member is a format change.
const (
	ProviderRateLimit  Kind = "PROVIDER_RATE_LIMIT"
	NetworkTimeout     Kind = "NETWORK_TIMEOUT"
	Transient5xx       Kind = "TRANSIENT_5XX"
	ServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	InvalidCredentials Kind = "INVALID_CREDENTIALS"
	NotFound           Kind = "NOT_FOUND"
	SchemaInvalid      Kind = "SCHEMA_INVALID"
	LockTimeout        Kind = "LOCK_TIMEOUT"
	WALIntegrity       Kind = "WAL_INTEGRITY"
	SafeModeReadOnly   Kind = "SAFE_MODE_READ_ONLY"
	CircuitBreakerOpen Kind = "CIRCUIT_BREAKER_OPEN"
	OperationFailed    Kind = "OPERATION_FAILED"
)

// Category groups kinds by their propagation behavior.
type Category string

const (
	// CategoryTransient errors may succeed on retry.
	CategoryTransient Category = "transient"
	// CategoryPermanent errors will not succeed on retry.
	CategoryPermanent Category = "permanent"
	// CategoryFatal errors indicate durable-state corruption.
	CategoryFatal Category = "fatal"
	// CategoryRefused errors were rejected before execution.
	CategoryRefused Category = "refused"
)

// Category returns the propagation category for the kind. Unknown kinds are
// treated as permanent.
func (k Kind) Category() Category {
	switch k {
	case ProviderRateLimit, NetworkTimeout, Transient5xx, ServiceUnavailable:
		return CategoryTransient
	case WALIntegrity:
		return CategoryFatal
	case SafeModeReadOnly, CircuitBreakerOpen:
		return CategoryRefused
	default:
		return CategoryPermanent
	}
}

// Retryable reports whether the retry layer may re-attempt an operation
// that failed with this kind. SERVICE_UNAVAILABLE is transient but not
// retryable: it is the breaker-open signal, and retrying it inside the same
// invocation would defeat the breaker.
func (k Kind) Retryable() bool {
	switch k {
	case ProviderRateLimit, NetworkTimeout, Transient5xx:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status code the health surface reports.
func (k Kind) HTTPStatus() int {
	switch k {
	case ProviderRateLimit:
		return http.StatusTooManyRequests
	case NetworkTimeout:
		return http.StatusGatewayTimeout
	case Transient5xx, WALIntegrity, OperationFailed:
		return http.StatusInternalServerError
	case ServiceUnavailable, SafeModeReadOnly, CircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case InvalidCredentials:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case SchemaInvalid, LockTimeout:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// KindFromHTTPStatus maps a provider HTTP status code to a kind, for
// adapters that only see status codes: 401/403 map to INVALID_CREDENTIALS,
// 404 to NOT_FOUND, 429 to PROVIDER_RATE_LIMIT, 5xx to TRANSIENT_5XX.
// Anything else maps to OPERATION_FAILED.
func KindFromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return InvalidCredentials
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusTooManyRequests:
		return ProviderRateLimit
	case status >= 500:
		return Transient5xx
	default:
		return OperationFailed
	}
}

// Error is the uniform taxonomy error. Attempts is non-zero only on errors
// produced by retry exhaustion.
type Error struct {
	Kind     Kind
	Message  string
	Attempts int
	Err      error
}

// New creates a taxonomy error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause. Returns nil if err is nil.
// If err is already an *Error, its kind is preserved.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		kind = existing.Kind
	}

	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error formats as "KIND: message: cause".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy kind from err. Errors outside the taxonomy
// report OPERATION_FAILED.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return OperationFailed
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}

	return false
}

// Retryable reports whether err's kind permits a retry. Errors outside the
// taxonomy are not retried.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind.Retryable()
	}

	return false
}
