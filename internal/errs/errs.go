// Package errs carries the failure taxonomy shared by stage handlers and the worker.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that can never succeed; the job is failed without retry.
	ErrValidation = errors.New("validation failed")

	// ErrTransient marks a recoverable failure that the substrate should retry with backoff.
	ErrTransient = errors.New("transient failure")

	// ErrStateConflict marks work that is already done or no longer applicable.
	// Callers treat it as success.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrValidation)
}

// Validation builds a permanent validation error.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient builds a retryable error.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// Conflict builds a state-conflict error.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// statusError carries the HTTP status of a failed upstream call.
type statusError struct {
	status int
	kind   error
	msg    string
}

func (e *statusError) Error() string { return fmt.Sprintf("%s (status %d): %s", e.kind, e.status, e.msg) }
func (e *statusError) Unwrap() error { return e.kind }

// StatusError builds an error of the given kind that remembers an upstream status code.
func StatusError(status int, kind error, format string, args ...any) error {
	return &statusError{status: status, kind: kind, msg: fmt.Sprintf(format, args...)}
}

// IsStatus reports whether err came from an upstream call with one of the statuses.
func IsStatus(err error, statuses ...int) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	for _, s := range statuses {
		if se.status == s {
			return true
		}
	}
	return false
}
