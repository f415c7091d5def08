package cache

import (
	"fmt"
)

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// ErrCacheClosed is returned when operations are performed on a closed cache.
var ErrCacheClosed = NewError("cache is closed")

// ErrNotCached is returned when an operation targets a key with no entry.
var ErrNotCached = NewError("no cache entry for key")

// ErrSubscriptionClosed is returned when waiting on an unsubscribed handle.
var ErrSubscriptionClosed = NewError("subscription is closed")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}

// UnknownOperationError is returned when no operation is registered under Name.
type UnknownOperationError struct {
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q", e.Name)
}

// DuplicateOperationError is returned when an operation name is registered twice.
type DuplicateOperationError struct {
	Name string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %q already registered", e.Name)
}

// ValidationError rejects malformed operations or arguments before any
// transport call is made.
type ValidationError struct {
	Operation string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid input: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Operation, e.Field, e.Reason)
}

// TransportErrorKind classifies transport failures.
type TransportErrorKind string

const (
	// Network means no response was received.
	Network TransportErrorKind = "network"
	// ServerError means the endpoint answered with a failure status or an errors payload.
	ServerError TransportErrorKind = "server_error"
	// DecodeError means the response could not be decoded.
	DecodeError TransportErrorKind = "decode_error"
)

// TransportError is the only error type a Transport returns.
type TransportError struct {
	Kind   TransportErrorKind
	Detail string
	// Status is the HTTP status code when one was received.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Detail)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches another *TransportError with the same Kind, so callers can write
// errors.Is(err, &TransportError{Kind: Network}).
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
