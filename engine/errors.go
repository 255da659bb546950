package engine

import (
	"errors"
	"fmt"
)

// EngineError reports a failure in the execution machinery itself, as
// opposed to a node handler failure.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Engine error codes.
const (
	CodeStarvation         = "DEPENDENCY_STARVATION"
	CodeDuplicateExecution = "DUPLICATE_EXECUTION"
)

// errNoneReady signals that the ready queue is non-empty but nothing can
// run right now; the caller should apply pending results and ask again.
var errNoneReady = errors.New("no node ready")

// ErrorKind classifies handler failures for retry and reporting decisions.
type ErrorKind string

const (
	// KindValidation marks malformed node config or unresolvable input.
	// Fatal to the node, never retried.
	KindValidation ErrorKind = "validation"

	// KindTransient marks I/O hiccups and provider 5xx responses, retried
	// under the engine's backoff policy.
	KindTransient ErrorKind = "transient"

	// KindFatal marks unrecoverable handler failures.
	KindFatal ErrorKind = "fatal"

	// KindTimeout marks a handler exceeding its invocation deadline.
	// Retried like transient errors.
	KindTimeout ErrorKind = "timeout"
)

// HandlerError is the failure a node handler surfaces to the engine.
type HandlerError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return string(e.Kind) + ": " + msg
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
func (e *HandlerError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// Validationf builds a validation-kind handler error.
func Validationf(format string, args ...any) *HandlerError {
	return &HandlerError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a retryable handler error.
func Transient(err error) *HandlerError {
	return &HandlerError{Kind: KindTransient, Err: err}
}

// Fatal wraps err as an unrecoverable handler error.
func Fatal(err error) *HandlerError {
	return &HandlerError{Kind: KindFatal, Err: err}
}

// KindOf extracts the error kind, defaulting to fatal for untyped errors.
func KindOf(err error) ErrorKind {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr.Kind
	}
	return KindFatal
}
