package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously by the registry. Callers match with
// errors.Is.
var (
	ErrNotFound          = errors.New("taskmill: task not found")
	ErrConflict          = errors.New("taskmill: conflict")
	ErrInvalidState      = errors.New("taskmill: invalid state")
	ErrBrokerUnavailable = errors.New("taskmill: broker unavailable")
)

// ErrRevoked is returned from a checkpoint when cancellation has been
// requested. Executables abort and propagate it; the shell translates it to
// a revoked record, not a failure.
var ErrRevoked = errors.New("taskmill: task revoked")

// ValidationError reports a malformed spec. Nothing is enqueued when
// validation fails.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("taskmill: invalid spec: %s %s", e.Field, e.Reason)
}

// ExecError wraps any failure raised inside an executable. Kind is a short
// classification ("panic", "timeout", handler-chosen); Retryable errors are
// re-enqueued with backoff instead of failing the record outright.
type ExecError struct {
	Kind      string
	Message   string
	Retryable bool
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Execf builds a non-retryable ExecError.
func Execf(kind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryf builds a retryable ExecError.
func Retryf(kind, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// RetryExhausted is the terminal form of a retryable ExecError once the
// bounded retry count is spent.
type RetryExhausted struct {
	Attempts int
	Last     *ExecError
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %s", e.Attempts, e.Last.Error())
}

func (e *RetryExhausted) Unwrap() error { return e.Last }
