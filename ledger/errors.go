/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers decide retry vs. user-facing failure from the error kind,
  never from free-text messages.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any state change
  2. Admission errors - Business rule violations (insufficient balance)
  3. Storage errors - Transient conflicts and outages
  4. Corruption - The ledger/lot consistency invariant failed

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // reject, do not retry
  }
  if ledger.IsRetryable(err) {
      // safe to retry the idempotent operation
  }

SEE ALSO:
  - store.go: Returns storage errors
  - balance.go: Returns CorruptionError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (non-positive
	// quantity, missing account). Rejected before any state change.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a debit would drive the
	// spendable balance negative. Not transient; not retried.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateRequest is returned when an idempotency key is reused
	// with a different payload. Distinct from the idempotent-replay
	// success case, which returns the originally committed entry.
	ErrDuplicateRequest = errors.New("idempotency key reused with different payload")

	// ErrStorageConflict is returned when the optimistic sequence check
	// fails at commit time. Transient; the orchestrator retries.
	ErrStorageConflict = errors.New("storage conflict: account sequence moved")

	// ErrStorageUnavailable is returned when storage cannot be reached
	// or retries are exhausted. Transient from the caller's view.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAccountNotFound is returned when an operation other than Credit
	// references an unknown account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCorruptionDetected is returned when the standing invariant
	// "sum of entries == sum of open lot remainders" fails. Fatal for
	// the affected account; never auto-repaired.
	ErrCorruptionDetected = errors.New("ledger corruption detected")

	// ErrAccountFlagged is returned for operations on an account that
	// previously failed a consistency check.
	ErrAccountFlagged = errors.New("account flagged after corruption check")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports invalid input with field context.
type ValidationError struct {
	AccountID AccountID
	Field     string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s %s", e.AccountID, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %v, requested %v, shortfall %v",
		e.AccountID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateRequestError reports an idempotency key conflict.
type DuplicateRequestError struct {
	AccountID      AccountID
	IdempotencyKey string
	ExistingID     EntryID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request for %s: key %q already used by entry %s with a different payload",
		e.AccountID, e.IdempotencyKey, e.ExistingID)
}

func (e *DuplicateRequestError) Unwrap() error { return ErrDuplicateRequest }

// CorruptionError reports a failed consistency check.
type CorruptionError struct {
	AccountID  AccountID
	EntrySum   Amount
	LotSum     Amount
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption for %s: entry sum %v != open lot sum %v",
		e.AccountID, e.EntrySum, e.LotSum)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruptionDetected }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageConflict) ||
		errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsFatal returns true if the error must not be retried or repaired
// automatically.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptionDetected) ||
		errors.Is(err, ErrAccountFlagged)
}
