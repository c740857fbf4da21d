// Package verrors provides the structured error taxonomy used across the
// virtual filesystem: every operation that can fail returns one of a small,
// closed set of error kinds, each with a stable exit-code mapping for
// tool-facing callers.
//
// Adapted from pkg/errors/errors.go (teacher), trimmed from the teacher's
// ~30 numbered error codes down to the 9 kinds the VFS contract needs.
package verrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of VFS error kinds.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindReadOnly         Kind = "read_only"
	KindPermissionDenied Kind = "permission_denied"
	KindPrecondition     Kind = "precondition"
	KindTransient        Kind = "transient"
	KindQueueFull        Kind = "queue_full"
	KindConfig           Kind = "config"
	KindInvalidPath      Kind = "invalid_path"
	KindOther            Kind = "other"
)

// httpStatus mirrors the exit-code table in spec.md §6.
var httpStatus = map[Kind]int{
	KindNotFound:         404,
	KindReadOnly:         403,
	KindPermissionDenied: 403,
	KindPrecondition:     409,
	KindTransient:        503,
	KindQueueFull:        503,
	KindConfig:           500,
	KindInvalidPath:      400,
	KindOther:            500,
}

var retryableByDefault = map[Kind]bool{
	KindTransient: true,
	KindQueueFull: true,
}

// VFSError is the structured error type returned by every VFS operation.
type VFSError struct {
	Kind      Kind
	Message   string
	Context   map[string]string
	Cause     error
	Component string
	Operation string
	Timestamp time.Time
	Retryable bool

	// Expected/Actual carry the CAS mismatch for KindPrecondition errors.
	Expected string
	Actual   string
}

func (e *VFSError) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VFSError) Unwrap() error { return e.Cause }

// HTTPStatus returns the exit-code-equivalent status for this error's kind.
func (e *VFSError) HTTPStatus() int { return httpStatus[e.Kind] }

// WithContext attaches contextual key/value pairs and returns the receiver.
func (e *VFSError) WithContext(key, value string) *VFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the owning component name.
func (e *VFSError) WithComponent(component string) *VFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation name.
func (e *VFSError) WithOperation(operation string) *VFSError {
	e.Operation = operation
	return e
}

// WithCause wraps an underlying error.
func (e *VFSError) WithCause(cause error) *VFSError {
	e.Cause = cause
	return e
}

func newError(kind Kind, message string, ctx map[string]string) *VFSError {
	return &VFSError{
		Kind:      kind,
		Message:   message,
		Context:   ctx,
		Timestamp: time.Now(),
		Retryable: retryableByDefault[kind],
	}
}

// NotFound builds a KindNotFound error.
func NotFound(message string, ctx map[string]string) *VFSError {
	return newError(KindNotFound, message, ctx)
}

// ReadOnly builds a KindReadOnly error, returned when a mutating op targets
// a read-only mount or the reserved /.search subtree.
func ReadOnly(message string, ctx map[string]string) *VFSError {
	return newError(KindReadOnly, message, ctx)
}

// PermissionDenied builds a KindPermissionDenied error.
func PermissionDenied(message string, ctx map[string]string) *VFSError {
	return newError(KindPermissionDenied, message, ctx)
}

// Precondition builds a KindPrecondition error for a CAS token mismatch.
func Precondition(expected, actual string) *VFSError {
	e := newError(KindPrecondition, "compare-and-swap token mismatch", nil)
	e.Expected = expected
	e.Actual = actual
	return e
}

// Transient builds a KindTransient error for a retryable backend failure.
func Transient(message string, cause error) *VFSError {
	e := newError(KindTransient, message, nil)
	e.Cause = cause
	return e
}

// QueueFull builds a KindQueueFull error for a saturated pending-write queue.
func QueueFull(message string, ctx map[string]string) *VFSError {
	return newError(KindQueueFull, message, ctx)
}

// Config builds a KindConfig error for invalid or missing configuration.
func Config(message string, ctx map[string]string) *VFSError {
	return newError(KindConfig, message, ctx)
}

// InvalidPath builds a KindInvalidPath error.
func InvalidPath(message string, ctx map[string]string) *VFSError {
	return newError(KindInvalidPath, message, ctx)
}

// Other builds a catch-all KindOther error.
func Other(message string, cause error) *VFSError {
	e := newError(KindOther, message, nil)
	e.Cause = cause
	return e
}

// Is reports whether err is a *VFSError of the given kind.
func Is(err error, kind Kind) bool {
	var ve *VFSError
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// IsRetryable reports whether err should be retried by a caller, honoring an
// explicit Retryable override as well as the kind default.
func IsRetryable(err error) bool {
	var ve *VFSError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}
