// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. Use cases and step actions classify failures
// as transient or permanent so retry policies can decide whether another attempt
// can possibly succeed.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key, stale version).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBusinessRule indicates a business rule rejected the operation for the given input.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call without invoking it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrDeadLetterUnavailable indicates a failed message could not even be parked in the
	// dead-letter store. No automated recourse exists past this point.
	ErrDeadLetterUnavailable = errors.New("dead-letter store unavailable")
)

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// transientError marks an error as retryable even when it wraps a permanent sentinel.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Permanent tags err as a permanent failure. Retrying the same input will fail again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient tags err as a transient failure that may succeed on a later attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsPermanent reports whether err should not be retried. Errors explicitly tagged with
// Permanent, business rule violations and invalid input are permanent unless the
// outermost classification is Transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var transient *transientError
	var permanent *permanentError
	if errors.As(err, &transient) {
		if !errors.As(err, &permanent) {
			return false
		}
		// The outermost tag wins.
		return !isOuter(err, transient, permanent)
	}
	if errors.As(err, &permanent) {
		return true
	}
	return errors.Is(err, ErrBusinessRule) || errors.Is(err, ErrInvalidInput)
}

// isOuter reports whether the transient tag is closer to the top of the chain than the permanent one.
func isOuter(err error, transient *transientError, permanent *permanentError) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e {
		case error(transient):
			return true
		case error(permanent):
			return false
		}
	}
	return false
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join is a convenience wrapper around errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
