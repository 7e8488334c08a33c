package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Components wrap these with
// fmt.Errorf("...: %w", Err...) so callers can classify with errors.Is.
var (
	// ErrNotFound indicates a referenced object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid indicates a request rejected by validation before any
	// mutation took place.
	ErrInvalid = errors.New("invalid")

	// ErrConflict indicates a concurrent attempt or a stale
	// compare-and-swap. The caller may retry the whole operation from
	// fresh state.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable indicates a transient condition (registry or
	// runtime unreachable). Retryable with backoff.
	ErrUnavailable = errors.New("unavailable")

	// ErrRolloutFailed indicates an attempt reached a rolled-back or
	// failed terminal state.
	ErrRolloutFailed = errors.New("rollout failed")
)

// Exit codes for the CLI surface.
const (
	ExitOK            = 0
	ExitValidation    = 1
	ExitConflict      = 2
	ExitRolloutFailed = 3
	ExitUnavailable   = 4
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConflict):
		return ExitConflict
	case errors.Is(err, ErrRolloutFailed):
		return ExitRolloutFailed
	case errors.Is(err, ErrUnavailable):
		return ExitUnavailable
	default:
		// Validation and not-found both surface as validation errors to
		// the operator.
		return ExitValidation
	}
}

func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

func Unavailable(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}
