// Package errors provides error handling for Chronos.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints attached to errors
//
// Usage:
//
//	if err := store.Enqueue(ctx, planned); err != nil {
//	    return errors.Wrap(err, "failed to enqueue planned job")
//	}
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // job already has a pending instance
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job, run or driver does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed job definition or argument
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation (duplicate name, second pending instance)
	ErrConflict = New("resource conflict")

	// ErrInvalidSchedule indicates a cron string that is not five exact-or-wildcard fields
	ErrInvalidSchedule = New("invalid schedule")

	// ErrDependencyCycle indicates a parent chain that leads back to the job itself
	ErrDependencyCycle = New("dependency cycle")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsConfigurationError reports whether err rejects a job definition
// (bad schedule, dependency cycle, or otherwise invalid input).
func IsConfigurationError(err error) bool {
	return err != nil && IsAny(err, ErrInvalidSchedule, ErrDependencyCycle, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// WrapInvalidRequest marks err as an invalid request, keeping its message
func WrapInvalidRequest(err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrInvalidRequest, err.Error())
}
