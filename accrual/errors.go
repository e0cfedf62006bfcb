/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As; the HTTP layer maps these
  to status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any write
  2. Consistency violations - programming-bug signals, abort loudly
  3. Concurrency conflicts - transient, retryable with backoff
  4. Access denied - tenant scope violations, indistinguishable from
     a missing obligor so existence never leaks across tenants
  5. Audit write failures - soft, logged, never block the mutation

SEE ALSO:
  - engine.go: Produces most of these
  - scope.go: Produces ErrAccessDenied
*/
package accrual

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (negative rate, invalid
	// cadence, non-positive payment amount). Rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrConsistencyViolation is returned when the post-reconciliation
	// invariant remaining == expected - paid does not hold. This signals a
	// programming bug; the unit of work is aborted, never silently fixed.
	ErrConsistencyViolation = errors.New("balance consistency violation")

	// ErrConcurrencyConflict is returned when the per-obligor lock cannot
	// be acquired within the timeout. Transient; retry with backoff.
	ErrConcurrencyConflict = errors.New("concurrent reconciliation conflict")

	// ErrAccessDenied is returned for tenant scope violations. The message
	// deliberately matches the not-found case: callers must not be able to
	// distinguish "exists in another tenant" from "does not exist".
	ErrAccessDenied = errors.New("obligor not found")

	// ErrTransactionNotFound is returned when a referenced payment
	// transaction does not exist within the caller's tenant.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAuditWriteFailure wraps a failed audit append. Soft: logged and
	// recovered locally, never blocks the triggering mutation.
	ErrAuditWriteFailure = errors.New("audit write failed")

	// ErrObligorArchived is returned when recording a payment against a
	// soft-archived obligor.
	ErrObligorArchived = errors.New("obligor is archived")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConsistencyError carries the mismatched figures for diagnostics.
type ConsistencyError struct {
	ObligorID ObligorID
	Expected  decimal.Decimal
	Paid      decimal.Decimal
	Remaining decimal.Decimal
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("balance consistency violation for %s: remaining %s != expected %s - paid %s",
		e.ObligorID, e.Remaining, e.Expected, e.Paid)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistencyViolation }

// LockTimeoutError identifies which obligor's lock timed out.
type LockTimeoutError struct {
	ObligorID ObligorID
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("concurrent reconciliation conflict: obligor %s is locked", e.ObligorID)
}

func (e *LockTimeoutError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrObligorArchived)
}

// IsNotFound returns true if the error indicates a missing (or
// tenant-invisible) resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrTransactionNotFound)
}
