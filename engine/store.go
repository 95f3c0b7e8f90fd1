/*
store.go - Storage contracts for accounts and transactions

PURPOSE:
  Defines the interface between the state machine and the document store.
  The store provides exactly two concurrency primitives: single-document
  atomic conditional update (compare-and-swap) and bulk update matching a
  predicate. There are no multi-document transactions; every cross-document
  invariant is the state machine's responsibility.

CAS CONTRACT:
  - Account mutations are gated on the account's UpdateID fencing token.
    A mutation that does not observe the latest token fails with no side
    effects and the caller re-reads.
  - Transaction state transitions are gated on the current state (and
    optionally SettleID). Zero documents matched means another process got
    there first.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite-backed, for production

SEE ALSO:
  - machine.go: The only component permitted to mutate balances
  - worker.go: Uses the bulk stamp/fetch/release claim protocol
*/
package engine

import (
	"context"
	"time"

	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountMutation is the set of field changes applied by a conditional
// update. Nil/empty fields are left untouched. A successful application
// also increments the account's UpdateID.
type AccountMutation struct {
	Balance *money.Money
	Escrow  *money.Money

	AddOutgoing    map[TransactionID]time.Time
	RemoveOutgoing []TransactionID
	AddIncoming    map[TransactionID]int64
	RemoveIncoming []TransactionID
}

// AccountStore persists account ledger documents. No component other than
// the state machine may mutate balance or escrow.
type AccountStore interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// CreateAccount inserts a new account document.
	CreateAccount(ctx context.Context, acct Account) error

	// ConditionalUpdate applies m only if the stored UpdateID still equals
	// expectedUpdateID, incrementing it on success. Returns false with no
	// side effects on a fencing mismatch.
	ConditionalUpdate(ctx context.Context, id AccountID, expectedUpdateID int64, m AccountMutation) (bool, error)
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

// StateChange describes a conditional transaction state transition.
// From lists the states the transition is valid from; empty means
// unconditional (used only by void finalization, which is terminal and
// idempotent). IfSettleID, when non-nil, additionally requires the stored
// SettleID to match.
type StateChange struct {
	From       []State
	To         State
	IfSettleID *int64

	MarkSettled bool
	MarkVoided  bool
}

// TransactionQuery selects transactions. Zero fields are ignored.
type TransactionQuery struct {
	Identity      string
	Asset         string
	Kind          Kind
	ReferenceID   string
	States        []State
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// SweepPredicate selects transactions a worker may claim. A transaction
// matches when it is scoped by ID (if set) and either:
//   - its state is in States, its SettleAfter is at or before DueBy
//     (ignored when zero), and it is unclaimed or its claim was stamped
//     before ExpiredBefore; or
//   - its state is in TerminalStates, its Cleanups count is below
//     CleanupCap, and it is unclaimed or its claim expired; or
//   - ExpiredDepositsBefore is set and it is a deposit still in a
//     pre-settlement state created before that instant (deposit timeout).
type SweepPredicate struct {
	ID TransactionID

	States        []State
	DueBy         time.Time
	ExpiredBefore time.Time

	TerminalStates []State
	CleanupCap     int

	ExpiredDepositsBefore time.Time
}

// TransactionStore persists transaction documents and implements the
// claim-and-modify primitives the state machine and worker depend on.
type TransactionStore interface {
	// InsertTransaction inserts a new transaction. Uniqueness is enforced
	// on id, (identity, asset, counter), and (identity, referenceId);
	// violations return a *DuplicateKeyError naming the constraint.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns the transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// FindTransactions returns all transactions matching the query.
	FindTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error)

	// MaxCounter returns the highest counter recorded for the
	// (identity, asset) pair, zero when none exists.
	MaxCounter(ctx context.Context, identity, asset string) (int64, error)

	// UpdateState applies the conditional transition and reports whether a
	// document matched. A false return means another process transitioned
	// the transaction first; the caller re-reads to find out what happened.
	UpdateState(ctx context.Context, id TransactionID, change StateChange) (bool, error)

	// ClaimForProcessing atomically transitions AUTHORIZED|PROCESSING to
	// PROCESSING while incrementing SettleID, returning the post-claim
	// document and true. When the transaction is in any other state the
	// current document is returned with false (find-and-modify semantics).
	ClaimForProcessing(ctx context.Context, id TransactionID) (Transaction, bool, error)

	// StampWorker claims every transaction matching the predicate for the
	// given worker, setting its Updated timestamp, and returns how many
	// documents were stamped. The predicate is evaluated at stamp time;
	// this is the bulk-update-matching-predicate primitive.
	StampWorker(ctx context.Context, pred SweepPredicate, worker WorkerID, now time.Time) (int, error)

	// NextStamped returns one transaction currently stamped with the
	// worker's id, or false when none remain.
	NextStamped(ctx context.Context, worker WorkerID) (Transaction, bool, error)

	// Release resets the worker claim. When terminal is true the Cleanups
	// counter is incremented, recording one completed post-terminal pass.
	Release(ctx context.Context, id TransactionID, worker WorkerID, terminal bool) error
}
