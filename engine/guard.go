/*
guard.go - Duplicate/idempotency guard for transaction insertion

PURPOSE:
  Prevents a caller from creating two transactions that represent the same
  logical action. Three layers:

    1. A caller-supplied duplicate query checked before insertion
    2. A per-(identity, asset) monotonic counter, assigned max+1 at insert
       time and enforced by a unique index
    3. Unique indexes on the transaction id and (identity, referenceId)

  A counter collision means another insert for the same pair raced ahead;
  the counter is re-assigned and the insert retried. An id or reference
  collision is a genuine repeat and surfaces ErrDuplicateTransaction.

SEE ALSO:
  - machine.go: AuthorizeTransaction calls insertWithGuard
  - store.go: DuplicateKeyError constraint names
*/
package engine

import (
	"context"
	"errors"
)

// insertWithGuard inserts tx as PENDING, assigning its duplicate-guard
// counter. The counter-assignment loop retries on (identity, asset,
// counter) races; any other uniqueness violation is a duplicate.
func (e *Engine) insertWithGuard(ctx context.Context, tx *Transaction, duplicate *TransactionQuery) error {
	for attempt := 0; attempt < e.opts.MaxUpdateAttempts; attempt++ {
		max, err := e.txs.MaxCounter(ctx, tx.Identity, tx.Asset)
		if err != nil {
			return err
		}
		tx.Counter = max + 1

		if duplicate != nil {
			existing, err := e.txs.FindTransactions(ctx, *duplicate)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return ErrDuplicateTransaction
			}
		}

		err = e.txs.InsertTransaction(ctx, *tx)
		if err == nil {
			return nil
		}

		var dup *DuplicateKeyError
		if errors.As(err, &dup) {
			if dup.Constraint == ConstraintCounter {
				// Another insert for this (identity, asset) raced ahead of
				// our counter read; take a fresh max and try again.
				continue
			}
			return ErrDuplicateTransaction
		}
		return err
	}
	return errContention
}
