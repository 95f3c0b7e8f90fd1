/*
machine.go - The settlement state machine

PURPOSE:
  Implements authorize, process (escrow), settle, and void. Every operation
  follows the same shape:

    1. Claim via a conditional state transition
    2. Verify the claim, or detect supersession via SettleID/Worker
    3. Perform account mutations under optimistic retry
    4. Finalize with a conditional state transition
    5. Verify the final transition landed, or determine a racing worker
       already finished the job

  This shape is what makes the engine safe under concurrent, possibly
  duplicated invocation: any step may be re-run by another worker after a
  crash, and the fencing tokens guarantee stale attempts are detected and
  discarded rather than double-counting money.

STATES:
  pending -> authorized -> processing -> settling -> settled
  pending | authorized | voiding -> voiding -> voided

FENCING:
  - Account.UpdateID orders all mutations of one account. A conditional
    update that loses the race fails cleanly and the loop re-reads.
  - Transaction.SettleID versions settlement attempts. Escrow markers
    written under an older SettleID are recognized as stale; a worker whose
    claim was superseded by a higher SettleID aborts with
    ErrTransactionOverridden.

RETRY POLICY:
  Fencing conflicts are retried inside this file and never surfaced.
  Retries are bounded (Options.MaxUpdateAttempts) with a small jittered
  backoff to bound worst-case latency under pathological contention.

SEE ALSO:
  - store.go: The CAS contracts this file depends on
  - worker.go: Drives process/settle/void in the background
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures the engine and its workers.
type Options struct {
	// WorkerExpiration is how long a worker claim is honored before another
	// sweep may reclaim the transaction.
	WorkerExpiration time.Duration

	// MaxCleanups bounds post-terminal sweep passes per transaction.
	MaxCleanups int

	// SweepInterval is the delay before a periodic sweep reschedules itself.
	SweepInterval time.Duration

	// DepositExpiration is how long an unconfirmed deposit may sit in a
	// pre-settlement state before the void sweep picks it up.
	DepositExpiration time.Duration

	// MaxUpdateAttempts bounds each optimistic-retry loop.
	MaxUpdateAttempts int

	// RetryBackoff is the base delay between retry attempts; the actual
	// delay is jittered in [backoff/2, backoff*3/2).
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerExpiration <= 0 {
		o.WorkerExpiration = time.Minute
	}
	if o.MaxCleanups <= 0 {
		o.MaxCleanups = 2
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.DepositExpiration <= 0 {
		o.DepositExpiration = time.Hour
	}
	if o.MaxUpdateAttempts <= 0 {
		o.MaxUpdateAttempts = 50
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 10 * time.Millisecond
	}
	return o
}

// errContention is returned when an optimistic-retry loop exhausts its
// attempt budget. With single-field updates this is practically
// unreachable outside a misbehaving store.
var errContention = errors.New("update contention not resolved")

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the settlement state machine. All account and transaction
// mutation flows through it.
type Engine struct {
	accounts AccountStore
	txs      TransactionStore
	bus      Bus
	opts     Options
	log      zerolog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an engine over the given stores and event bus.
func New(accounts AccountStore, txs TransactionStore, bus Bus, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		accounts: accounts,
		txs:      txs,
		bus:      bus,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine's time source. For tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Options returns the engine's effective configuration.
func (e *Engine) Options() Options { return e.opts }

// GetTransaction returns the current transaction document.
func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return e.txs.GetTransaction(ctx, id)
}

// GetTransactions returns transactions matching the query.
func (e *Engine) GetTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	return e.txs.FindTransactions(ctx, q)
}

// retry runs fn until it reports done, retrying fencing conflicts with a
// jittered backoff. fn returns (true, nil) on success, (false, nil) on a
// conflict that should be re-attempted from a fresh read, and a non-nil
// error to abort.
func (e *Engine) retry(ctx context.Context, fn func() (bool, error)) error {
	for attempt := 0; attempt < e.opts.MaxUpdateAttempts; attempt++ {
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == 0 {
			// First conflict: re-read immediately. Conflicts are expected
			// to be rare and short-lived.
			continue
		}
		base := int64(e.opts.RetryBackoff)
		delay := time.Duration(base/2 + rand.Int63n(base))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return errContention
}

// =============================================================================
// AUTHORIZE
// =============================================================================

// AuthorizeTransaction inserts the transaction through the duplicate guard,
// debits the source account, and transitions it to AUTHORIZED. duplicate,
// when non-nil, is a caller-supplied query whose match aborts insertion
// with ErrDuplicateTransaction.
//
// The account mutation happens only after the transaction document exists,
// so an abort before the debit is always safe.
func (e *Engine) AuthorizeTransaction(ctx context.Context, tx *Transaction, duplicate *TransactionQuery) error {
	if len(tx.Transfers) == 0 {
		return fmt.Errorf("%w: transaction has no transfers", ErrInvalidTransactionState)
	}
	now := e.now()

	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.Kind == "" {
		tx.Kind = KindContract
	}
	if tx.Created.IsZero() {
		tx.Created = now
	}
	if tx.ReferenceID == "" {
		tx.ReferenceID = "txn-" + string(tx.ID)
	}
	if tx.SettleAfter.IsZero() {
		tx.SettleAfter = now
	}
	if tx.Asset == "" {
		tx.Asset = string(tx.ID)
	}
	if tx.Identity == "" {
		if src, ok := tx.Source(); ok {
			tx.Identity = string(src)
		} else {
			tx.Identity = string(tx.ID)
		}
	}
	tx.Settled = false
	tx.Voided = false
	tx.State = StatePending
	tx.SettleID = 0
	tx.Worker = ""
	tx.Cleanups = 0
	tx.Updated = now

	if err := e.insertWithGuard(ctx, tx, duplicate); err != nil {
		return err
	}

	// Verify every destination exists before any account mutation; a
	// missing account here is a clean abort.
	for _, dst := range tx.Destinations() {
		if _, err := e.accounts.GetAccount(ctx, dst); err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return fmt.Errorf("destination %s: %w", dst, ErrAccountNotFound)
			}
			return err
		}
	}

	if src, ok := tx.Source(); ok {
		if err := e.debitSource(ctx, tx, src); err != nil {
			return err
		}
	}

	ok, err := e.txs.UpdateState(ctx, tx.ID, StateChange{
		From: []State{StatePending},
		To:   StateAuthorized,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Another process voided the transaction while we were debiting.
		// The reversal must still happen: the debit above may have landed.
		e.bus.Emit(ctx, Event{Type: EventVoid, TransactionID: tx.ID})
		return ErrVoidedTransaction
	}
	tx.State = StateAuthorized

	if !e.now().Before(tx.SettleAfter) {
		e.bus.Emit(ctx, Event{Type: EventSettle, TransactionID: tx.ID})
	}
	return nil
}

// debitSource subtracts the transaction amount from the source balance and
// records the outgoing marker, retrying on fencing conflicts from a fresh
// read each time.
func (e *Engine) debitSource(ctx context.Context, tx *Transaction, src AccountID) error {
	return e.retry(ctx, func() (bool, error) {
		acct, err := e.accounts.GetAccount(ctx, src)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return false, fmt.Errorf("source %s: %w", src, ErrAccountNotFound)
			}
			return false, err
		}
		newBalance := acct.Balance.Sub(tx.Amount)
		if newBalance.IsNegative() {
			// Mark the transaction for reversal before surfacing the
			// shortfall; the void worker guarantees cleanup even if the
			// caller never retries.
			if _, uerr := e.txs.UpdateState(ctx, tx.ID, StateChange{
				From: []State{StatePending},
				To:   StateVoiding,
			}); uerr != nil {
				return false, uerr
			}
			e.bus.Emit(ctx, Event{Type: EventVoid, TransactionID: tx.ID})
			return false, &InsufficientFundsError{
				Account:   src,
				Available: acct.Balance,
				Requested: tx.Amount,
			}
		}
		return e.accounts.ConditionalUpdate(ctx, src, acct.UpdateID, AccountMutation{
			Balance:     &newBalance,
			AddOutgoing: map[TransactionID]time.Time{tx.ID: tx.SettleAfter},
		})
	})
}

// =============================================================================
// PROCESS (escrow - settle phase 1)
// =============================================================================

// ProcessTransaction escrows destination funds, transitioning the
// transaction AUTHORIZED -> PROCESSING -> SETTLING. Safe to call from any
// number of workers: the SettleID claimed here versions the attempt, and a
// newer claim supersedes this one.
func (e *Engine) ProcessTransaction(ctx context.Context, id TransactionID) error {
	tx, claimed, err := e.txs.ClaimForProcessing(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		switch tx.State {
		case StateSettling, StateSettled:
			// Already past escrow; nothing to do.
			return nil
		case StateVoiding, StateVoided:
			return ErrTransactionVoided
		default:
			return ErrTransactionBusy
		}
	}

	settleID := tx.SettleID
	totals := tx.DestinationTotals()
	for _, dst := range tx.Destinations() {
		amount := totals[dst]
		err := e.retry(ctx, func() (bool, error) {
			acct, err := e.accounts.GetAccount(ctx, dst)
			if err != nil {
				return false, err
			}
			if marker, ok := acct.Incoming[tx.ID]; ok {
				if marker > settleID {
					// A newer attempt has superseded this one.
					return false, ErrTransactionOverridden
				}
				if marker == settleID {
					return true, nil
				}
				// Stale marker from an older, interrupted attempt. Its
				// escrow already landed exactly once; re-stamp the marker
				// without adding escrow again.
				return e.accounts.ConditionalUpdate(ctx, dst, acct.UpdateID, AccountMutation{
					AddIncoming: map[TransactionID]int64{tx.ID: settleID},
				})
			}
			escrow := acct.Escrow.Add(amount)
			return e.accounts.ConditionalUpdate(ctx, dst, acct.UpdateID, AccountMutation{
				Escrow:      &escrow,
				AddIncoming: map[TransactionID]int64{tx.ID: settleID},
			})
		})
		if err != nil {
			return err
		}
	}

	ok, err := e.txs.UpdateState(ctx, id, StateChange{
		From:       []State{StateProcessing},
		To:         StateSettling,
		IfSettleID: &settleID,
	})
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := e.txs.GetTransaction(ctx, id)
		if gerr != nil {
			return gerr
		}
		switch cur.State {
		case StateSettling, StateSettled:
			return nil
		case StateVoiding, StateVoided:
			return ErrTransactionVoided
		default:
			return ErrTransactionOverridden
		}
	}
	return nil
}

// =============================================================================
// SETTLE (settle phase 2)
// =============================================================================

// SettleTransaction moves escrowed funds into destination balances, clears
// the source's outgoing marker, and finalizes SETTLING -> SETTLED.
// Idempotent: settling an already-settled transaction returns success with
// no account mutation.
func (e *Engine) SettleTransaction(ctx context.Context, id TransactionID) error {
	// Liveness no-op guard: confirms the transaction is ours to settle
	// without changing anything.
	ok, err := e.txs.UpdateState(ctx, id, StateChange{
		From: []State{StateSettling},
		To:   StateSettling,
	})
	if err != nil {
		return err
	}
	tx, err := e.txs.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		switch tx.State {
		case StateSettled:
			return nil
		case StateVoiding, StateVoided:
			return ErrTransactionVoided
		default:
			return ErrTransactionBusy
		}
	}

	settleID := tx.SettleID
	if err := e.settleAccounts(ctx, tx); err != nil {
		return err
	}

	ok, err = e.txs.UpdateState(ctx, id, StateChange{
		From:        []State{StateSettling},
		To:          StateSettled,
		IfSettleID:  &settleID,
		MarkSettled: true,
	})
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := e.txs.GetTransaction(ctx, id)
		if gerr != nil {
			return gerr
		}
		if cur.State == StateSettled {
			return nil
		}
		return fmt.Errorf("settle finalize found state %q: %w", cur.State, ErrInvalidTransactionState)
	}
	return nil
}

// settleAccounts performs the per-destination escrow-to-balance moves and
// clears the source's outgoing marker. Each per-destination step is its own
// unit of atomicity; an interrupted pass is resumed idempotently because
// every move is gated on the incoming marker it removes.
func (e *Engine) settleAccounts(ctx context.Context, tx Transaction) error {
	settleID := tx.SettleID
	totals := tx.DestinationTotals()
	for _, dst := range tx.Destinations() {
		amount := totals[dst]
		err := e.retry(ctx, func() (bool, error) {
			acct, err := e.accounts.GetAccount(ctx, dst)
			if err != nil {
				return false, err
			}
			marker, present := acct.Incoming[tx.ID]
			if !present {
				// Already settled for this destination by an earlier,
				// interrupted pass.
				return true, nil
			}
			if marker > settleID {
				return false, ErrTransactionOverridden
			}
			if marker < settleID {
				// Superseded marker; processing re-stamps markers before
				// SETTLING, so this is defensive. Drop it without moving
				// funds.
				return e.accounts.ConditionalUpdate(ctx, dst, acct.UpdateID, AccountMutation{
					RemoveIncoming: []TransactionID{tx.ID},
				})
			}
			balance := acct.Balance.Add(amount)
			escrow := acct.Escrow.Sub(amount)
			return e.accounts.ConditionalUpdate(ctx, dst, acct.UpdateID, AccountMutation{
				Balance:        &balance,
				Escrow:         &escrow,
				RemoveIncoming: []TransactionID{tx.ID},
			})
		})
		if err != nil {
			return err
		}
	}

	if src, hasSrc := tx.Source(); hasSrc {
		err := e.retry(ctx, func() (bool, error) {
			acct, err := e.accounts.GetAccount(ctx, src)
			if errors.Is(err, ErrAccountNotFound) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			if _, present := acct.Outgoing[tx.ID]; !present {
				return true, nil
			}
			return e.accounts.ConditionalUpdate(ctx, src, acct.UpdateID, AccountMutation{
				RemoveOutgoing: []TransactionID{tx.ID},
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CleanupTransaction reconciles straggler account markers left behind by a
// terminal transaction without changing its state. Called by the worker
// during bounded post-terminal sweep passes.
func (e *Engine) CleanupTransaction(ctx context.Context, id TransactionID) error {
	tx, err := e.txs.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	switch tx.State {
	case StateSettled:
		return e.settleAccounts(ctx, tx)
	case StateVoided:
		// Re-running void re-credits the source only if its outgoing
		// marker is still present.
		return e.VoidTransaction(ctx, id)
	default:
		return nil
	}
}

// =============================================================================
// VOID
// =============================================================================

// VoidTransaction reverses an authorized-but-not-settled transaction,
// returning the debited funds to the source. Terminal and idempotent:
// voiding an already-voided transaction is a no-op on the account.
func (e *Engine) VoidTransaction(ctx context.Context, id TransactionID) error {
	ok, err := e.txs.UpdateState(ctx, id, StateChange{
		From: []State{StatePending, StateAuthorized, StateVoiding},
		To:   StateVoiding,
	})
	if err != nil {
		return err
	}
	tx, err := e.txs.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		switch tx.State {
		case StateVoiding, StateVoided:
			// Proceed: the reversal below is gated on the outgoing marker,
			// so re-running void after a lost authorization race is how
			// the source debit is guaranteed to be returned.
		default:
			return ErrTransactionAlreadyProcessed
		}
	}

	if src, hasSrc := tx.Source(); hasSrc {
		err := e.retry(ctx, func() (bool, error) {
			acct, err := e.accounts.GetAccount(ctx, src)
			if errors.Is(err, ErrAccountNotFound) {
				// Account gone: treat the debit as already reversed.
				return true, nil
			}
			if err != nil {
				return false, err
			}
			if _, present := acct.Outgoing[tx.ID]; !present {
				// No pending debit: either authorization never debited, or
				// an earlier void pass already credited it back.
				return true, nil
			}
			balance := acct.Balance.Add(tx.Amount)
			return e.accounts.ConditionalUpdate(ctx, src, acct.UpdateID, AccountMutation{
				Balance:        &balance,
				RemoveOutgoing: []TransactionID{tx.ID},
			})
		})
		if err != nil {
			return err
		}
	}

	// Void is terminal and idempotent; the final transition is
	// unconditional. SETTLED is unreachable here because neither claim nor
	// settle can proceed once the transaction left the voidable states.
	_, err = e.txs.UpdateState(ctx, id, StateChange{
		To:         StateVoided,
		MarkVoided: true,
	})
	return err
}
