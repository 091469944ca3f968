package database

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates an expected row is absent. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a schema-level uniqueness violation, for example
	// a duplicate device slug or source name. Never retried.
	ErrConflict = errors.New("conflict")
)

// conflictOr translates SQLite constraint failures into ErrConflict with a
// domain-specific message; other errors are wrapped as-is.
func conflictOr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if isConstraintErr(err) {
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// isConstraintErr detects uniqueness/constraint violations from the driver.
// modernc.org/sqlite surfaces these as text, so we match the message the
// same way the SQLite shell reports it.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
