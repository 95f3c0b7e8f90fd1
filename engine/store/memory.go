// Package store provides in-memory implementations of the engine's
// storage contracts, with the same compare-and-swap semantics as the
// production document store. Used by tests and development servers.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/engine"
)

// =============================================================================
// MEMORY STORE - AccountStore + TransactionStore over process memory
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[engine.AccountID]engine.Account
	txs      map[engine.TransactionID]engine.Transaction

	// Uniqueness indexes mirroring the production store's constraints.
	byCounter   map[counterKey]engine.TransactionID
	byReference map[referenceKey]engine.TransactionID
}

type counterKey struct {
	Identity string
	Asset    string
	Counter  int64
}

type referenceKey struct {
	Identity    string
	ReferenceID string
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[engine.AccountID]engine.Account),
		txs:         make(map[engine.TransactionID]engine.Transaction),
		byCounter:   make(map[counterKey]engine.TransactionID),
		byReference: make(map[referenceKey]engine.TransactionID),
	}
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id engine.AccountID) (engine.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return engine.Account{}, engine.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (m *Memory) CreateAccount(_ context.Context, acct engine.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts[acct.ID] = copyAccount(acct)
	return nil
}

// ConditionalUpdate applies the mutation only if the stored UpdateID still
// matches, incrementing it on success. Compare-and-swap.
func (m *Memory) ConditionalUpdate(_ context.Context, id engine.AccountID, expectedUpdateID int64, mut engine.AccountMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return false, engine.ErrAccountNotFound
	}
	if acct.UpdateID != expectedUpdateID {
		return false, nil
	}

	next := copyAccount(acct)
	if mut.Balance != nil {
		next.Balance = *mut.Balance
	}
	if mut.Escrow != nil {
		next.Escrow = *mut.Escrow
	}
	for txID, settleAfter := range mut.AddOutgoing {
		next.Outgoing[txID] = settleAfter
	}
	for _, txID := range mut.RemoveOutgoing {
		delete(next.Outgoing, txID)
	}
	for txID, settleID := range mut.AddIncoming {
		next.Incoming[txID] = settleID
	}
	for _, txID := range mut.RemoveIncoming {
		delete(next.Incoming, txID)
	}
	next.UpdateID = expectedUpdateID + 1

	m.accounts[id] = next
	return true, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (m *Memory) InsertTransaction(_ context.Context, tx engine.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.ID]; exists {
		return &engine.DuplicateKeyError{Constraint: engine.ConstraintID}
	}
	ck := counterKey{Identity: tx.Identity, Asset: tx.Asset, Counter: tx.Counter}
	if _, exists := m.byCounter[ck]; exists {
		return &engine.DuplicateKeyError{Constraint: engine.ConstraintCounter}
	}
	rk := referenceKey{Identity: tx.Identity, ReferenceID: tx.ReferenceID}
	if _, exists := m.byReference[rk]; exists {
		return &engine.DuplicateKeyError{Constraint: engine.ConstraintReference}
	}

	m.txs[tx.ID] = copyTransaction(tx)
	m.byCounter[ck] = tx.ID
	m.byReference[rk] = tx.ID
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id engine.TransactionID) (engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return engine.Transaction{}, engine.ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *Memory) FindTransactions(_ context.Context, q engine.TransactionQuery) ([]engine.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.Transaction
	for _, tx := range m.txs {
		if queryMatches(tx, q) {
			result = append(result, copyTransaction(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Created.Before(result[j].Created) })
	return result, nil
}

func queryMatches(tx engine.Transaction, q engine.TransactionQuery) bool {
	if q.Identity != "" && tx.Identity != q.Identity {
		return false
	}
	if q.Asset != "" && tx.Asset != q.Asset {
		return false
	}
	if q.Kind != "" && tx.Kind != q.Kind {
		return false
	}
	if q.ReferenceID != "" && tx.ReferenceID != q.ReferenceID {
		return false
	}
	if len(q.States) > 0 && !stateIn(tx.State, q.States) {
		return false
	}
	if !q.CreatedAfter.IsZero() && !tx.Created.After(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !tx.Created.Before(q.CreatedBefore) {
		return false
	}
	return true
}

func (m *Memory) MaxCounter(_ context.Context, identity, asset string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var max int64
	for k := range m.byCounter {
		if k.Identity == identity && k.Asset == asset && k.Counter > max {
			max = k.Counter
		}
	}
	return max, nil
}

func (m *Memory) UpdateState(_ context.Context, id engine.TransactionID, change engine.StateChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return false, engine.ErrTransactionNotFound
	}
	if len(change.From) > 0 && !stateIn(tx.State, change.From) {
		return false, nil
	}
	if change.IfSettleID != nil && tx.SettleID != *change.IfSettleID {
		return false, nil
	}

	tx.State = change.To
	if change.MarkSettled {
		tx.Settled = true
	}
	if change.MarkVoided {
		tx.Voided = true
	}
	m.txs[id] = tx
	return true, nil
}

func (m *Memory) ClaimForProcessing(_ context.Context, id engine.TransactionID) (engine.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return engine.Transaction{}, false, engine.ErrTransactionNotFound
	}
	if tx.State != engine.StateAuthorized && tx.State != engine.StateProcessing {
		return copyTransaction(tx), false, nil
	}

	tx.State = engine.StateProcessing
	tx.SettleID++
	m.txs[id] = tx
	return copyTransaction(tx), true, nil
}

func (m *Memory) StampWorker(_ context.Context, pred engine.SweepPredicate, worker engine.WorkerID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, tx := range m.txs {
		if !sweepMatches(tx, pred) {
			continue
		}
		tx.Worker = worker
		tx.Updated = now
		m.txs[id] = tx
		n++
	}
	return n, nil
}

// sweepMatches evaluates the claim predicate against one transaction.
func sweepMatches(tx engine.Transaction, pred engine.SweepPredicate) bool {
	if pred.ID != "" && tx.ID != pred.ID {
		return false
	}
	claimable := !tx.Worker.Claimed() || tx.Updated.Before(pred.ExpiredBefore)
	if !claimable {
		return false
	}
	if stateIn(tx.State, pred.States) {
		if pred.DueBy.IsZero() || !tx.SettleAfter.After(pred.DueBy) {
			return true
		}
	}
	if stateIn(tx.State, pred.TerminalStates) && tx.Cleanups < pred.CleanupCap {
		return true
	}
	if !pred.ExpiredDepositsBefore.IsZero() && tx.Kind == engine.KindDeposit &&
		(tx.State == engine.StatePending || tx.State == engine.StateAuthorized) &&
		tx.Created.Before(pred.ExpiredDepositsBefore) {
		return true
	}
	return false
}

func (m *Memory) NextStamped(_ context.Context, worker engine.WorkerID) (engine.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Stable order keeps the drain deterministic in tests.
	var ids []engine.TransactionID
	for id, tx := range m.txs {
		if tx.Worker == worker {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return engine.Transaction{}, false, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return copyTransaction(m.txs[ids[0]]), true, nil
}

func (m *Memory) Release(_ context.Context, id engine.TransactionID, worker engine.WorkerID, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return engine.ErrTransactionNotFound
	}
	if tx.Worker != worker {
		// Claim expired and was taken over; nothing to release.
		return nil
	}
	tx.Worker = ""
	if terminal {
		tx.Cleanups++
	}
	m.txs[id] = tx
	return nil
}

// =============================================================================
// TEST/DEV HELPERS
// =============================================================================

// Accounts returns a snapshot of every account. For tests and development.
func (m *Memory) Accounts() []engine.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, copyAccount(acct))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Transactions returns a snapshot of every transaction. For tests.
func (m *Memory) Transactions() []engine.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]engine.Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		result = append(result, copyTransaction(tx))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// =============================================================================
// COPY HELPERS - documents never share map storage with callers
// =============================================================================

func copyAccount(acct engine.Account) engine.Account {
	out := acct
	out.Outgoing = make(map[engine.TransactionID]time.Time, len(acct.Outgoing))
	for k, v := range acct.Outgoing {
		out.Outgoing[k] = v
	}
	out.Incoming = make(map[engine.TransactionID]int64, len(acct.Incoming))
	for k, v := range acct.Incoming {
		out.Incoming[k] = v
	}
	return out
}

func copyTransaction(tx engine.Transaction) engine.Transaction {
	out := tx
	out.Transfers = append([]engine.Transfer(nil), tx.Transfers...)
	return out
}

func stateIn(s engine.State, states []engine.State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
