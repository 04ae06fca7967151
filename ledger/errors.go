/*
errors.go - Error taxonomy for the ledger core

ERROR CATEGORIES:
  1. Lookup: ErrUnknownAccount, ErrAccountExists
  2. Invariant: ErrNegativeBalance, ErrExpiryAttributionConflict (fatal,
     repaired via Reconcile)
  3. Idempotency: ErrDuplicateSettlement (callers treat it as a skip)
  4. Contention: ErrConcurrentModification (retried inside Ledger.Mutate)
  5. Business: ErrInsufficientBalance, ErrInvalidAmount

USAGE:
  if errors.Is(err, ledger.ErrDuplicateSettlement) {
      // already settled for this period
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnknownAccount = errors.New("unknown account")

	ErrAccountExists = errors.New("account already exists")

	ErrInvalidAccount = errors.New("invalid account")

	// ErrNegativeBalance means a debit would drive a bucket below zero.
	// It is never clamped silently at this layer.
	ErrNegativeBalance = errors.New("negative balance")

	// ErrDuplicateSettlement is the idempotency hit of the settlement batcher.
	ErrDuplicateSettlement = errors.New("settlement already exists for period")

	// ErrExpiryAttributionConflict means the FIFO lot queue cannot explain
	// the log. Requires Reconcile and manual repair.
	ErrExpiryAttributionConflict = errors.New("expiry attribution conflict")

	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAccountNotLocked means a Session touched an account outside the id
	// set passed to Mutate. Callers that derive ids from stored state re-read
	// and call Mutate again with the wider set.
	ErrAccountNotLocked = errors.New("account not locked by this session")

	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NegativeBalanceError carries the bucket and amounts of a rejected debit.
type NegativeBalanceError struct {
	AccountID AccountID
	Bucket    Bucket
	Balance   decimal.Decimal
	Debit     decimal.Decimal
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("negative balance on %s (%s): balance %s, debit %s",
		e.AccountID, e.Bucket, e.Balance, e.Debit)
}

func (e *NegativeBalanceError) Unwrap() error { return ErrNegativeBalance }

// AttributionError describes a debit the lot queue could not absorb.
type AttributionError struct {
	AccountID     AccountID
	TransactionID TransactionID
	Unattributed  decimal.Decimal
	Detail        string
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("expiry attribution conflict on %s (tx %s): %s, unattributed %s",
		e.AccountID, e.TransactionID, e.Detail, e.Unattributed)
}

func (e *AttributionError) Unwrap() error { return ErrExpiryAttributionConflict }

// InsufficientBalanceError is returned by Redeem when the caller asked for
// more than the available balance.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownAccount)
}
