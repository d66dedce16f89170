// Package errors provides error handling conventions for the partbak CLI.
//
// This package defines sentinel errors for the failure classes partbak
// distinguishes, an ExitError type for CLI exit code handling, and thin
// re-exports of the github.com/cockroachdb/errors constructors so that
// most packages only need a single errors import.
//
// # Sentinel Errors
//
// Sentinel errors allow callers to check for specific error conditions
// using [Is]:
//
//	if errors.Is(err, pberrors.ErrCorrupted) {
//	    // backup data is inconsistent; do not retry
//	}
//
// # Exit Codes
//
// The package defines standard exit codes for CLI applications:
//
//   - ExitSuccess (0): Command completed successfully
//   - ExitUser (1): User-related error (invalid input, configuration, etc.)
//   - ExitSystem (2): System-related error (I/O, copy failure, corruption, etc.)
//
// # ExitError
//
// [ExitError] wraps an underlying error with an exit code and optional
// suggestion. It supports error unwrapping via [Unwrap] and [As]:
//
//	err := pberrors.NewUserError(err, "part size must be a multiple of block size")
//	var exitErr *pberrors.ExitError
//	if errors.As(err, &exitErr) {
//	    os.Exit(exitErr.Code)
//	}
package errors
