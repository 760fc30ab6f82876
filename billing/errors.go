/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Lookup errors - requested billings, transactions or circulations absent
  2. Input errors - malformed intervals, missing requestor
  3. Contract errors - a record lacks a field the domain requires

Arithmetic anomalies (an adjustment larger than its bill, a payment larger
than what remains) are never errors: the allocator splits or caps them.

USAGE:
  if errors.Is(err, billing.ErrNotFound) {
      // 404
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP statuses
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/warp/circ-billing/date"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInterval is returned for interval strings with no parsable group.
	ErrInvalidInterval = date.ErrInvalidInterval

	// ErrMissingField is returned when a record lacks a field the domain
	// contract requires (e.g. a circulation without a fine interval).
	ErrMissingField = errors.New("missing required field")

	// ErrRequestorRequired is returned when a void or adjust runs without an
	// acting user in the context.
	ErrRequestorRequired = errors.New("requestor required")

	// ErrTransactionFailed is returned when an atomic unit cannot commit.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the kind of record and the ids that were requested.
type NotFoundError struct {
	Kind string
	IDs  []int64
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 1 {
		return fmt.Sprintf("no such %s: %d", e.Kind, e.IDs[0])
	}
	return fmt.Sprintf("no such %s: %v", e.Kind, e.IDs)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFound is shorthand for a single-id NotFoundError.
func NewNotFound(kind string, id int64) error {
	return &NotFoundError{Kind: kind, IDs: []int64{id}}
}

// MissingFieldError identifies the record and field that was absent.
type MissingFieldError struct {
	Record string
	ID     int64
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s %d has no %s", e.Record, e.ID, e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrRequestorRequired) ||
		errors.Is(err, ErrMissingField)
}
