// Package errors provides error handling for post.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, errors.ErrPublishRetryable) {
//	    // schedule another attempt
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
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Common sentinel errors for use across post.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrDuplicateActivity indicates an activity with the same identity
	// has already been admitted
	ErrDuplicateActivity = New("duplicate activity")

	// ErrClassification indicates a classification rule could not be
	// applied to an activity
	ErrClassification = New("classification failed")

	// ErrSelectionSkipped indicates a cycle produced candidates but the
	// minimum interval gate excluded every destination
	ErrSelectionSkipped = New("selection skipped")

	// ErrPublishRetryable indicates a publish attempt failed in a way
	// worth retrying (network faults, rate limits, 5xx responses)
	ErrPublishRetryable = New("publish failed, retryable")

	// ErrPublishPermanent indicates a publish attempt failed in a way
	// that retrying cannot fix (authentication, malformed content, 4xx)
	ErrPublishPermanent = New("publish failed, permanent")

	// ErrContentTooLong indicates rendered content exceeds the
	// destination's length limit
	ErrContentTooLong = New("content too long")

	// ErrStoreUnavailable indicates the activity store could not be
	// reached or the operation aborted mid-flight
	ErrStoreUnavailable = New("store unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Also supports string-based "not found" errors from database drivers.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	errMsg := err.Error()
	return len(errMsg) >= 9 && (errMsg == "not found" ||
		errMsg[len(errMsg)-9:] == "not found" ||
		len(errMsg) > 10 && errMsg[:10] == "not found:")
}

// IsDuplicateActivityError checks if an error is or wraps ErrDuplicateActivity
func IsDuplicateActivityError(err error) bool {
	return err != nil && Is(err, ErrDuplicateActivity)
}

// IsClassificationError checks if an error is or wraps ErrClassification
func IsClassificationError(err error) bool {
	return err != nil && Is(err, ErrClassification)
}

// IsSelectionSkippedError checks if an error is or wraps ErrSelectionSkipped
func IsSelectionSkippedError(err error) bool {
	return err != nil && Is(err, ErrSelectionSkipped)
}

// IsPublishRetryableError checks if an error is or wraps ErrPublishRetryable
func IsPublishRetryableError(err error) bool {
	return err != nil && Is(err, ErrPublishRetryable)
}

// IsPublishPermanentError checks if an error is or wraps ErrPublishPermanent.
// Content-too-long failures count as permanent: no retry can shorten them.
func IsPublishPermanentError(err error) bool {
	return err != nil && (Is(err, ErrPublishPermanent) || Is(err, ErrContentTooLong))
}

// IsContentTooLongError checks if an error is or wraps ErrContentTooLong
func IsContentTooLongError(err error) bool {
	return err != nil && Is(err, ErrContentTooLong)
}

// IsStoreUnavailableError checks if an error is or wraps ErrStoreUnavailable
func IsStoreUnavailableError(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// WrapRetryable wraps an error as a retryable publish failure with context
func WrapRetryable(err error, context string) error {
	return Wrap(Wrap(ErrPublishRetryable, err.Error()), context)
}

// WrapPermanent wraps an error as a permanent publish failure with context
func WrapPermanent(err error, context string) error {
	return Wrap(Wrap(ErrPublishPermanent, err.Error()), context)
}

// WrapStoreUnavailable wraps a persistence-layer fault so callers can abort
// the current cycle cleanly via errors.Is(err, ErrStoreUnavailable)
func WrapStoreUnavailable(err error, context string) error {
	return Wrap(Wrap(ErrStoreUnavailable, err.Error()), context)
}

// NewRetryableError creates a retryable publish failure with a formatted message
func NewRetryableError(format string, args ...interface{}) error {
	return Wrap(ErrPublishRetryable, Newf(format, args...).Error())
}

// NewPermanentError creates a permanent publish failure with a formatted message
func NewPermanentError(format string, args ...interface{}) error {
	return Wrap(ErrPublishPermanent, Newf(format, args...).Error())
}
