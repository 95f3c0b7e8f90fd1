/*
Package engine provides the transaction settlement engine.

PURPOSE:
  This package contains the core state machine that authorizes, escrows,
  settles, and voids monetary transactions against account balances. It is
  designed for concurrent access from multiple worker processes with no
  shared memory: every cross-process invariant is maintained through
  optimistic concurrency control (per-document fencing tokens) and a staged,
  idempotent state machine, never through locks.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: Per-account ledger document (balance, escrow, update token,
    pending transaction markers)
  - Transaction: The settlement record, including its state machine fields
  - Transfer: A single (source, destination, amount) movement
  - State/Kind: Typed enums for transaction lifecycle and variety

DESIGN PRINCIPLES:
  1. Append-only transactions: records transition forward, never disappear
  2. Fencing: every account mutation is gated on UpdateID; every settle
     attempt is versioned by SettleID
  3. Idempotency: every operation tolerates being invoked twice, by two
     workers, or after a crash mid-way

SEE ALSO:
  - machine.go: The settlement state machine
  - store.go: Storage contracts (compare-and-swap semantics)
  - worker.go: The background settle/void worker
*/
package engine

import (
	"sort"
	"time"

	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// WorkerID identifies the worker currently holding a transaction claim.
// The empty string means unclaimed.
type WorkerID string

// Claimed reports whether the id names a worker.
func (w WorkerID) Claimed() bool { return w != "" }

// =============================================================================
// TRANSACTION STATE - Forward-only lifecycle
// =============================================================================

type State string

const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateProcessing State = "processing"
	StateSettling   State = "settling"
	StateSettled    State = "settled"
	StateVoiding    State = "voiding"
	StateVoided     State = "voided"
)

// Terminal reports whether no further state transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateVoided
}

// =============================================================================
// TRANSACTION KIND
// =============================================================================

// Kind discriminates transaction varieties. Deposits originate funds
// externally and therefore skip the source debit/credit steps.
type Kind string

const (
	KindContract   Kind = "contract"
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindTransfer   Kind = "transfer"
)

// External reports whether the source of funds lives outside the ledger.
func (k Kind) External() bool { return k == KindDeposit }

// =============================================================================
// TRANSFER - One movement within a transaction
// =============================================================================

type Transfer struct {
	Source      AccountID   `json:"source"`
	Destination AccountID   `json:"destination"`
	Amount      money.Money `json:"amount"`
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Transaction struct {
	ID          TransactionID `json:"id"`
	Kind        Kind          `json:"kind"`
	Amount      money.Money   `json:"amount"`
	Transfers   []Transfer    `json:"transfers"`
	Created     time.Time     `json:"created"`
	ReferenceID string        `json:"referenceId"`

	// SettleAfter gates settlement: the transaction is eligible once the
	// current time reaches it.
	SettleAfter time.Time `json:"settleAfter"`

	Settled bool  `json:"settled"`
	Voided  bool  `json:"voided"`
	State   State `json:"state"`

	// SettleID is incremented each time processing is (re)attempted. Escrow
	// markers written under an older SettleID are detected as stale.
	SettleID int64 `json:"settleId"`

	// Worker holds the claim of the worker currently processing this
	// transaction, empty when unclaimed. Updated records when the claim was
	// stamped; claims older than the expiration window may be reclaimed.
	Worker  WorkerID  `json:"workerId"`
	Updated time.Time `json:"updated"`

	// Cleanups counts completed post-terminal sweep passes. Bounded by
	// configuration so terminal transactions are not reprocessed forever.
	Cleanups int `json:"cleanups"`

	// Identity and Asset scope the duplicate guard; Counter is the
	// per-(identity,asset) monotonic sequence number.
	Identity string `json:"identity"`
	Asset    string `json:"asset"`
	Counter  int64  `json:"counter"`
}

// Source returns the single source account of the transaction's transfers.
// Returns false for deposits and transactions without transfers. All
// non-deposit transfers share one source.
func (t *Transaction) Source() (AccountID, bool) {
	if t.Kind.External() || len(t.Transfers) == 0 {
		return "", false
	}
	return t.Transfers[0].Source, true
}

// DestinationTotals aggregates transfer amounts by destination account.
func (t *Transaction) DestinationTotals() map[AccountID]money.Money {
	totals := make(map[AccountID]money.Money, len(t.Transfers))
	for _, tr := range t.Transfers {
		if cur, ok := totals[tr.Destination]; ok {
			totals[tr.Destination] = cur.Add(tr.Amount)
		} else {
			totals[tr.Destination] = tr.Amount
		}
	}
	return totals
}

// Destinations returns the distinct destination accounts in a stable order.
func (t *Transaction) Destinations() []AccountID {
	totals := t.DestinationTotals()
	ids := make([]AccountID, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// ACCOUNT - Per-account ledger document
// =============================================================================

type Account struct {
	ID AccountID `json:"id"`

	// Balance is available funds; never negative (the authorization check
	// enforces this). Escrow holds funds credited by in-flight incoming
	// transactions, not yet spendable.
	Balance money.Money `json:"balance"`
	Escrow  money.Money `json:"escrow"`

	// UpdateID is the fencing token: incremented on every successful
	// mutation, checked by every conditional update.
	UpdateID int64 `json:"updateId"`

	// Outgoing maps in-flight debits (transaction id -> settleAfter).
	// Incoming maps in-flight escrow credits (transaction id -> settleId).
	// Entries are removed on settlement or void; their presence is how an
	// interrupted settlement is detected and resumed.
	Outgoing map[TransactionID]time.Time `json:"outgoing"`
	Incoming map[TransactionID]int64     `json:"incoming"`
}

// NewAccount creates an account with a zero balance at the ledger scale.
func NewAccount(id AccountID) Account {
	return NewAccountAt(id, money.DefaultScale, money.RoundHalfEven)
}

// NewAccountAt creates an empty account at the given monetary scale and
// rounding mode. The account's scale propagates through all later ledger
// arithmetic, so this is where a configured precision takes effect.
func NewAccountAt(id AccountID, scale int32, mode money.RoundingMode) Account {
	zero := money.Zero(scale, mode)
	return Account{
		ID:       id,
		Balance:  zero,
		Escrow:   zero,
		Outgoing: make(map[TransactionID]time.Time),
		Incoming: make(map[TransactionID]int64),
	}
}
