package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry policy purposes.
type ErrorKind string

const (
	// ErrorKindValidation is bad input; never retried.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindAuth is a missing or invalid credential; retried only after
	// operator action.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindConflict covers lease/artifact/terminal idempotency
	// conflicts; surfaced as success by idempotent callers.
	ErrorKindConflict ErrorKind = "conflict"

	// ErrorKindTransient is a retryable I/O or network failure.
	ErrorKindTransient ErrorKind = "transient"

	// ErrorKindTool is a non-zero exit from an external CLI; retried
	// unless declared terminal.
	ErrorKindTool ErrorKind = "tool"

	// ErrorKindCapability means a required tool or skill is absent on this
	// worker; the job is requeued so another worker may claim it.
	ErrorKindCapability ErrorKind = "capability"

	// ErrorKindPolicy covers disallowed skills or repositories; never
	// retried on this worker.
	ErrorKindPolicy ErrorKind = "policy"

	// ErrorKindIntegrity is a skill hash or signature mismatch; never
	// retried.
	ErrorKindIntegrity ErrorKind = "integrity"

	// ErrorKindCancelled is an operator-initiated terminal cancel.
	ErrorKindCancelled ErrorKind = "cancelled"
)

// TerminalOnFirstOccurrence returns true for kinds which fail the job
// immediately regardless of remaining attempts.
func (k ErrorKind) TerminalOnFirstOccurrence() bool {
	return k == ErrorKindValidation || k == ErrorKindPolicy || k == ErrorKindIntegrity
}

// StageRecoverable returns true for kinds which are retried with backoff
// within a stage.
func (k ErrorKind) StageRecoverable() bool {
	return k == ErrorKindTransient || k == ErrorKindTool
}

// KindError is an error carrying an ErrorKind.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError wraps the given error with a kind.
func NewKindError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindErrorf creates a new error of the given kind.
func KindErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind attached to the error, or
// ErrorKindTransient if none was attached.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrorKindTransient
}
