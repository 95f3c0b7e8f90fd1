/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error conditions the state machine can surface, in one place.
  Fencing-token conflicts are NOT here: those are retried silently inside
  the component that detects them and never reach a caller.

ERROR CATEGORIES:
  1. Authorization errors - duplicate, missing account, insufficient funds
  2. Settlement errors - races between workers (overridden, voided, busy)
  3. Store errors - duplicate-key constraint reporting

USAGE:
  Callers test with errors.Is:

    if errors.Is(err, engine.ErrInsufficientFunds) { ... }

  Structured variants carry detail and unwrap to the sentinel.

SEE ALSO:
  - machine.go: Where these are produced
  - worker.go: Logs them and keeps draining its batch
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateTransaction is returned when a transaction representing
	// the same logical action already exists (same id, reference, or a
	// caller-supplied duplicate query match).
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned when a transfer names a financial
	// account that does not exist.
	ErrAccountNotFound = errors.New("financial account not found")

	// ErrInsufficientFunds is returned when the source balance cannot cover
	// the transaction amount. The transaction is moved to voiding first.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVoidedTransaction is returned by authorize when another process
	// voided the transaction before authorization completed.
	ErrVoidedTransaction = errors.New("transaction voided during authorization")

	// ErrTransactionNotFound is returned when the transaction id is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionAlreadyProcessed is returned by void when the
	// transaction has already settled.
	ErrTransactionAlreadyProcessed = errors.New("transaction already processed")

	// ErrTransactionOverridden is returned when a newer settlement attempt
	// (higher settleId) has superseded the caller's claim.
	ErrTransactionOverridden = errors.New("transaction settlement overridden")

	// ErrTransactionVoided is returned by process/settle when the
	// transaction was voided instead.
	ErrTransactionVoided = errors.New("transaction voided")

	// ErrTransactionBusy is returned when the transaction is mid-transition
	// under another worker and cannot be acted on right now.
	ErrTransactionBusy = errors.New("transaction busy")

	// ErrInvalidTransactionState is returned when a finalizing transition
	// finds the transaction in a state the machine cannot account for.
	ErrInvalidTransactionState = errors.New("invalid transaction state")

	// ErrInvalidWorkerAlgorithm is returned when a worker is started with
	// an unknown algorithm name.
	ErrInvalidWorkerAlgorithm = errors.New("invalid worker algorithm")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports how far short the source balance fell.
type InsufficientFundsError struct {
	Account   AccountID
	Available money.Money
	Requested money.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s",
		e.Account, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// DuplicateKeyError is produced by transaction stores when an insert
// violates a uniqueness constraint. Constraint identifies which index
// fired so the duplicate guard can distinguish a counter race (retryable)
// from a genuine duplicate.
type DuplicateKeyError struct {
	Constraint string // ConstraintID, ConstraintCounter, or ConstraintReference
}

const (
	ConstraintID        = "id"
	ConstraintCounter   = "identity_asset_counter"
	ConstraintReference = "identity_reference"
)

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key on constraint %s", e.Constraint)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is the caller's fault rather than
// a fault of the engine or store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrTransactionAlreadyProcessed) ||
		errors.Is(err, money.ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsTransient returns true if the operation may succeed when re-attempted
// by a later sweep: the transaction was busy under, or overridden by,
// another worker.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransactionBusy) ||
		errors.Is(err, ErrTransactionOverridden)
}
