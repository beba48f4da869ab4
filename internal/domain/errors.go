// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied is returned when the caller lacks permission for an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted is returned when resources are not available.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrOperationFailed is returned when an operation fails.
	ErrOperationFailed = errors.New("operation failed")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInsufficientResources is returned when a node cannot hold a reservation.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrNoSuitableNode is returned when no registered node can host a VM spec.
	ErrNoSuitableNode = errors.New("no suitable node")
)

// ErrorKind classifies an error for propagation policy. Validation and Quota
// errors surface synchronously to API callers; Capacity errors leave a VM in
// Pending; Protocol errors on the ack path are absorbed; External errors
// degrade the specific feature; Invariant errors are logged at high severity
// and never auto-corrected.
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindQuota      ErrorKind = "QUOTA"
	KindCapacity   ErrorKind = "CAPACITY"
	KindProtocol   ErrorKind = "PROTOCOL"
	KindExternal   ErrorKind = "EXTERNAL"
	KindInvariant  ErrorKind = "INVARIANT"
)

// Error is a classified domain error. It wraps one of the sentinel errors so
// callers can branch with errors.Is while handlers map Kind and Code to a
// stable wire representation.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying sentinel for errors.Is checks.
func (e *Error) Unwrap() error {
	return e.err
}

// NewError builds a classified error wrapping the given sentinel.
func NewError(kind ErrorKind, code, message string, sentinel error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, err: sentinel}
}

// ValidationError rejects a request before any state change.
func ValidationError(message string) *Error {
	return NewError(KindValidation, "INVALID_ARGUMENT", message, ErrInvalidArgument)
}

// QuotaError reports an exceeded owner quota.
func QuotaError(code, message string) *Error {
	return NewError(KindQuota, code, message, ErrResourceExhausted)
}

// CapacityError reports that no node can host a VM spec right now.
func CapacityError(message string) *Error {
	return NewError(KindCapacity, "NO_SUITABLE_NODE", message, ErrNoSuitableNode)
}

// ProtocolError reports a command/ack correlation failure.
func ProtocolError(code, message string) *Error {
	return NewError(KindProtocol, code, message, ErrOperationFailed)
}

// ExternalError reports a failed call to a collaborator outside the control plane.
func ExternalError(code, message string) *Error {
	return NewError(KindExternal, code, message, ErrUnavailable)
}

// InvariantError reports a violated internal invariant observed on read.
func InvariantError(message string) *Error {
	return NewError(KindInvariant, "INVARIANT_VIOLATION", message, ErrOperationFailed)
}

// KindOf extracts the ErrorKind from an error chain, or "" if unclassified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
