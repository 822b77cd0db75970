// Package errors provides error wrapping utilities and the sentinel errors
// used to classify migration failures.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrIneligible marks a job that must be skipped without touching the instance.
	ErrIneligible = errors.New("ineligible for migration")

	// ErrUnsupportedOperation is returned by the provider for requests it
	// will never accept for this resource, e.g. stopping an instance-store
	// backed instance.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTimeout is returned when a wait exceeds its configured ceiling.
	ErrTimeout = errors.New("timed out waiting for resource")

	// ErrTerminalState is returned when a resource settles in a failed state.
	ErrTerminalState = errors.New("resource reached a failed terminal state")

	ErrNotFound      = errors.New("resource not found")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
