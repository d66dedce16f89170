package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Exit codes for CLI applications.
const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess = 0

	// ExitUser indicates a user-related error (invalid input, configuration, etc.).
	ExitUser = 1

	// ExitSystem indicates a system-related error (I/O, copy failure, corruption, etc.).
	ExitSystem = 2
)

// Sentinel errors for common failure conditions.
var (
	// ErrCopyFailed indicates the block copier reported a failure.
	// Errors wrapping this sentinel carry the failing part index and
	// the underlying diagnostic.
	ErrCopyFailed = errors.New("block copy failed")

	// ErrCorrupted indicates backup data failed an integrity check:
	// inconsistent part sizes at restore time, or an authenticated
	// decryption whose integrity tag did not verify.
	ErrCorrupted = errors.New("backup corrupted")

	// ErrUnresolvable indicates a source or destination identifier could
	// not be mapped to a concrete path or device.
	ErrUnresolvable = errors.New("unresolvable identifier")

	// ErrInvalidConfig indicates configuration validation failed before
	// any destructive action was taken.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Re-exports of the cockroachdb/errors constructors used throughout the
// codebase, so core packages import exactly one errors package.
var (
	New    = errors.New
	Newf   = errors.Newf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Is     = errors.Is
	As     = errors.As
	Mark   = errors.Mark
	Unwrap = errors.Unwrap
)

// ExitError wraps an error with an exit code and optional suggestion for CLI
// applications. It implements the error interface and supports unwrapping.
type ExitError struct {
	// Err is the underlying error that caused the exit.
	Err error

	// Code is the exit code to return to the operating system.
	Code int

	// Suggestion is an optional actionable suggestion for the user.
	Suggestion string
}

// NewExitError creates an ExitError with the given underlying error and exit code.
// If err is nil, the returned ExitError will have a nil Err field.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{
		Err:  err,
		Code: code,
	}
}

// NewUserError creates an ExitError with ExitUser code and a suggestion.
func NewUserError(err error, suggestion string) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       ExitUser,
		Suggestion: suggestion,
	}
}

// NewSystemError creates an ExitError with ExitSystem code and a suggestion.
func NewSystemError(err error, suggestion string) *ExitError {
	return &ExitError{
		Err:        err,
		Code:       ExitSystem,
		Suggestion: suggestion,
	}
}

// Error returns the error message from the underlying error.
// If the underlying error is nil, it returns a generic message with the exit code.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error, enabling errors.Is and errors.As
// to examine the error chain.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error to a process exit code. A nil error is success;
// an ExitError carries its own code; copy failures and corruption are
// system errors; everything else is a user error.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if As(err, &exitErr) {
		return exitErr.Code
	}
	if Is(err, ErrCopyFailed) || Is(err, ErrCorrupted) {
		return ExitSystem
	}
	return ExitUser
}
