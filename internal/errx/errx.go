// Package errx composes errors around a stable sentinel so callers can
// errors.Is against a taxonomy value while still carrying ad-hoc detail
// and an underlying cause.
package errx

import "fmt"

// Wrap joins a sentinel with its cause. errors.Is(result, sentinel) and
// errors.Is(result, cause) both hold.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With appends a formatted detail suffix to sentinel. format may itself
// contain a %w verb to additionally wrap an underlying cause, e.g.:
//
//	errx.With(ErrTransferFailed, " vm=%s: %w", vmName, err)
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
