package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so callers can render an actionable message
// without inspecting error strings.
type Kind string

const (
	// KindValidation covers malformed input: bad paths, empty code, unknown
	// file types. Surfaced immediately, never retried.
	KindValidation Kind = "validation"

	// KindConflict covers lock contention between ingestion and execution on
	// one dataset. The caller decides whether to prompt a retry; the engine
	// never retries internally.
	KindConflict Kind = "conflict"

	// KindTimeout covers a bootstrap, execution, or lock wait exceeding its
	// configured bound. Distinct from Conflict.
	KindTimeout Kind = "timeout"

	// KindExecution covers a failure raised by submitted code. The kernel
	// remains usable afterwards.
	KindExecution Kind = "execution"

	// KindRuntimeFatal covers a corrupted kernel process or broken channel.
	// The kernel state becomes error and the caller must reset.
	KindRuntimeFatal Kind = "runtime_fatal"
)

// Error is an engine error with a kind and a caller-renderable message.
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

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation is shorthand for New(KindValidation, ...).
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Timeout is shorthand for New(KindTimeout, ...).
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Execution is shorthand for New(KindExecution, ...).
func Execution(format string, args ...any) *Error {
	return New(KindExecution, format, args...)
}

// RuntimeFatal is shorthand for New(KindRuntimeFatal, ...).
func RuntimeFatal(format string, args ...any) *Error {
	return New(KindRuntimeFatal, format, args...)
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsValidation(err error) bool   { return IsKind(err, KindValidation) }
func IsConflict(err error) bool     { return IsKind(err, KindConflict) }
func IsTimeout(err error) bool      { return IsKind(err, KindTimeout) }
func IsExecution(err error) bool    { return IsKind(err, KindExecution) }
func IsRuntimeFatal(err error) bool { return IsKind(err, KindRuntimeFatal) }
