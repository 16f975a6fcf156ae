// Package dataerr defines the data-layer error taxonomy shared by both
// storage backends (embedded and distributed) and by the repository
// decorators that wrap them.
package dataerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the data-error taxonomy named in the error handling design.
type Kind string

const (
	KindBackendFailure     Kind = "BACKEND_FAILURE"
	KindMigrationFailed    Kind = "MIGRATION_FAILED"
	KindConfiguration      Kind = "CONFIGURATION"
	KindIO                 Kind = "IO"
	KindTimeout            Kind = "TIMEOUT"
	KindPoolExhausted      Kind = "POOL_EXHAUSTED"
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindNotImplemented     Kind = "NOT_IMPLEMENTED"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
)

// Error wraps a Kind with context and an optional cause, the way the
// teacher's ObservabilityError wraps business error codes.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTransient reports whether the error should be retried in place with
// bounded backoff rather than surfaced to the caller (§7 propagation policy).
func (e *Error) IsTransient() bool {
	switch e.Kind {
	case KindTimeout, KindPoolExhausted, KindBackendUnavailable:
		return true
	default:
		return false
	}
}

// IsTransient unwraps err looking for a data Error and reports its
// transience; non-data errors are treated as non-transient.
func IsTransient(err error) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.IsTransient()
	}
	return false
}

// Is supports errors.Is(err, dataerr.New(kind, "")) style comparisons by Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

var (
	ErrNotFound      = New(KindNotFound, "resource not found")
	ErrConflict      = New(KindConflict, "conflicting write")
	ErrNotImplemented = New(KindNotImplemented, "operation not implemented by this backend")
	// ErrQuotaExceeded is returned by FileService.Put per §8's quota
	// enforcement invariant: a put that would push a project's total
	// stored bytes above its configured limit never commits.
	ErrQuotaExceeded = New(KindQuotaExceeded, "project file storage quota exceeded")
)
