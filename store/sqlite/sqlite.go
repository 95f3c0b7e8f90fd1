/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.AccountStore and engine.TransactionStore using SQLite.
  In production the same patterns apply to any document store offering
  single-document compare-and-swap; only dialect details differ.

CAS ENFORCEMENT:
  - Account mutations execute UPDATE ... WHERE id = ? AND update_id = ?
    inside one SQL transaction together with the marker-table changes;
    zero rows affected means a fencing conflict and nothing is applied.
  - Transaction transitions execute UPDATE ... WHERE id = ? AND state IN
    (...) [AND settle_id = ?], so a lost race matches zero documents.
  - Worker stamping is a bulk UPDATE scoped by the sweep predicate; only
    rows satisfying the predicate at stamp time are claimed.

KEY TABLES:
  accounts:          Per-account ledger document (balance, escrow, token)
  account_outgoing:  Pending debit markers (account, transaction, due time)
  account_incoming:  Pending escrow markers (account, transaction, settle id)
  transactions:      Settlement records, append-only (no DELETE ever)

TIMESTAMPS:
  Stored as integer Unix nanoseconds so range predicates in the sweep
  query compare correctly.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil { log.Fatal(err) }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/money"
)

// Store implements the engine storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ engine.AccountStore = (*Store)(nil)
var _ engine.TransactionStore = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time, and an in-memory database exists
	// per connection. A single pooled connection serves both constraints.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Per-account ledger documents
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		escrow TEXT NOT NULL,
		update_id INTEGER NOT NULL DEFAULT 0
	);

	-- Pending debit markers (outgoing[txId] = settleAfter)
	CREATE TABLE IF NOT EXISTS account_outgoing (
		account_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		settle_after INTEGER NOT NULL,
		PRIMARY KEY (account_id, transaction_id)
	);

	-- Pending escrow markers (incoming[txId] = settleId)
	CREATE TABLE IF NOT EXISTS account_incoming (
		account_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		settle_id INTEGER NOT NULL,
		PRIMARY KEY (account_id, transaction_id)
	);

	-- Settlement records (append-only: no DELETE, state moves forward)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		transfers_json TEXT NOT NULL,
		created INTEGER NOT NULL,
		reference_id TEXT NOT NULL,
		settle_after INTEGER NOT NULL,
		settled INTEGER NOT NULL DEFAULT 0,
		voided INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		settle_id INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT NOT NULL DEFAULT '',
		updated INTEGER NOT NULL,
		cleanups INTEGER NOT NULL DEFAULT 0,
		identity TEXT NOT NULL,
		asset TEXT NOT NULL,
		counter INTEGER NOT NULL
	);

	-- Duplicate guard constraints
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_guard_counter
		ON transactions(identity, asset, counter);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_guard_reference
		ON transactions(identity, reference_id);

	-- Sweep query (hot path for the workers)
	CREATE INDEX IF NOT EXISTS idx_transactions_sweep
		ON transactions(state, settle_after, worker_id, updated);
	CREATE INDEX IF NOT EXISTS idx_transactions_worker
		ON transactions(worker_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id engine.AccountID) (engine.Account, error) {
	var balanceStr, escrowStr string
	var updateID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, escrow, update_id FROM accounts WHERE id = ?`, id,
	).Scan(&balanceStr, &escrowStr, &updateID)
	if err == sql.ErrNoRows {
		return engine.Account{}, engine.ErrAccountNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("failed to get account: %w", err)
	}

	balance, err := money.Parse(balanceStr, money.DefaultScale, money.RoundHalfEven)
	if err != nil {
		return engine.Account{}, err
	}
	escrow, err := money.Parse(escrowStr, money.DefaultScale, money.RoundHalfEven)
	if err != nil {
		return engine.Account{}, err
	}

	acct := engine.Account{
		ID:       id,
		Balance:  balance,
		Escrow:   escrow,
		UpdateID: updateID,
		Outgoing: make(map[engine.TransactionID]time.Time),
		Incoming: make(map[engine.TransactionID]int64),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, settle_after FROM account_outgoing WHERE account_id = ?`, id)
	if err != nil {
		return engine.Account{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var txID string
		var settleAfter int64
		if err := rows.Scan(&txID, &settleAfter); err != nil {
			return engine.Account{}, err
		}
		acct.Outgoing[engine.TransactionID(txID)] = time.Unix(0, settleAfter).UTC()
	}
	if err := rows.Err(); err != nil {
		return engine.Account{}, err
	}

	inRows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, settle_id FROM account_incoming WHERE account_id = ?`, id)
	if err != nil {
		return engine.Account{}, err
	}
	defer inRows.Close()
	for inRows.Next() {
		var txID string
		var settleID int64
		if err := inRows.Scan(&txID, &settleID); err != nil {
			return engine.Account{}, err
		}
		acct.Incoming[engine.TransactionID(txID)] = settleID
	}
	return acct, inRows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, acct engine.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, escrow, update_id) VALUES (?, ?, ?, ?)`,
		acct.ID, acct.Balance.String(), acct.Escrow.String(), acct.UpdateID)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id engine.AccountID, expectedUpdateID int64, mut engine.AccountMutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin update: %w", err)
	}
	defer sqlTx.Rollback()

	// CAS gate: the update names the expected token, so a concurrent
	// mutation since the caller's read matches zero rows.
	set := "update_id = update_id + 1"
	args := []any{}
	if mut.Balance != nil {
		set += ", balance = ?"
		args = append(args, mut.Balance.String())
	}
	if mut.Escrow != nil {
		set += ", escrow = ?"
		args = append(args, mut.Escrow.String())
	}
	args = append(args, id, expectedUpdateID)

	res, err := sqlTx.ExecContext(ctx,
		"UPDATE accounts SET "+set+" WHERE id = ? AND update_id = ?", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := sqlTx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM accounts WHERE id = ?`, id).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, engine.ErrAccountNotFound
		}
		return false, nil
	}

	for txID, settleAfter := range mut.AddOutgoing {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR REPLACE INTO account_outgoing (account_id, transaction_id, settle_after) VALUES (?, ?, ?)`,
			id, txID, settleAfter.UnixNano()); err != nil {
			return false, err
		}
	}
	for _, txID := range mut.RemoveOutgoing {
		if _, err := sqlTx.ExecContext(ctx,
			`DELETE FROM account_outgoing WHERE account_id = ? AND transaction_id = ?`, id, txID); err != nil {
			return false, err
		}
	}
	for txID, settleID := range mut.AddIncoming {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR REPLACE INTO account_incoming (account_id, transaction_id, settle_id) VALUES (?, ?, ?)`,
			id, txID, settleID); err != nil {
			return false, err
		}
	}
	for _, txID := range mut.RemoveIncoming {
		if _, err := sqlTx.ExecContext(ctx,
			`DELETE FROM account_incoming WHERE account_id = ? AND transaction_id = ?`, id, txID); err != nil {
			return false, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx engine.Transaction) error {
	transfersJSON, err := json.Marshal(tx.Transfers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, kind, amount, transfers_json, created, reference_id, settle_after,
		 settled, voided, state, settle_id, worker_id, updated, cleanups,
		 identity, asset, counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Kind, tx.Amount.String(), string(transfersJSON),
		tx.Created.UnixNano(), tx.ReferenceID, tx.SettleAfter.UnixNano(),
		boolInt(tx.Settled), boolInt(tx.Voided), tx.State, tx.SettleID,
		tx.Worker, tx.Updated.UnixNano(), tx.Cleanups,
		tx.Identity, tx.Asset, tx.Counter)
	if err != nil {
		if constraint, ok := uniqueConstraint(err); ok {
			return &engine.DuplicateKeyError{Constraint: constraint}
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// uniqueConstraint maps a SQLite uniqueness violation to the engine's
// constraint name.
func uniqueConstraint(err error) (string, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return "", false
	}
	switch {
	case strings.Contains(msg, "transactions.counter") || strings.Contains(msg, "transactions.asset"):
		return engine.ConstraintCounter, true
	case strings.Contains(msg, "transactions.reference_id"):
		return engine.ConstraintReference, true
	default:
		return engine.ConstraintID, true
	}
}

func (s *Store) GetTransaction(ctx context.Context, id engine.TransactionID) (engine.Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+` WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return engine.Transaction{}, engine.ErrTransactionNotFound
	}
	if err != nil {
		return engine.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) FindTransactions(ctx context.Context, q engine.TransactionQuery) ([]engine.Transaction, error) {
	where := []string{"1=1"}
	args := []any{}
	if q.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, q.Identity)
	}
	if q.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, q.Asset)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.ReferenceID != "" {
		where = append(where, "reference_id = ?")
		args = append(args, q.ReferenceID)
	}
	if len(q.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(q.States))+")")
		for _, st := range q.States {
			args = append(args, st)
		}
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created > ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}

	rows, err := s.db.QueryContext(ctx,
		selectTransaction+" WHERE "+strings.Join(where, " AND ")+" ORDER BY created", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []engine.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) MaxCounter(ctx context.Context, identity, asset string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(counter), 0) FROM transactions WHERE identity = ? AND asset = ?`,
		identity, asset).Scan(&max)
	return max, err
}

func (s *Store) UpdateState(ctx context.Context, id engine.TransactionID, change engine.StateChange) (bool, error) {
	set := "state = ?"
	args := []any{change.To}
	if change.MarkSettled {
		set += ", settled = 1"
	}
	if change.MarkVoided {
		set += ", voided = 1"
	}

	where := "id = ?"
	args = append(args, id)
	if len(change.From) > 0 {
		where += " AND state IN (" + placeholders(len(change.From)) + ")"
		for _, st := range change.From {
			args = append(args, st)
		}
	}
	if change.IfSettleID != nil {
		where += " AND settle_id = ?"
		args = append(args, *change.IfSettleID)
	}

	res, err := s.db.ExecContext(ctx, "UPDATE transactions SET "+set+" WHERE "+where, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM transactions WHERE id = ?`, id).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, engine.ErrTransactionNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ClaimForProcessing(ctx context.Context, id engine.TransactionID) (engine.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Transaction{}, false, err
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions SET state = ?, settle_id = settle_id + 1
		WHERE id = ? AND state IN (?, ?)`,
		engine.StateProcessing, id, engine.StateAuthorized, engine.StateProcessing)
	if err != nil {
		return engine.Transaction{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return engine.Transaction{}, false, err
	}

	row := sqlTx.QueryRowContext(ctx, selectTransaction+` WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return engine.Transaction{}, false, engine.ErrTransactionNotFound
	}
	if err != nil {
		return engine.Transaction{}, false, err
	}
	if err := sqlTx.Commit(); err != nil {
		return engine.Transaction{}, false, err
	}
	return tx, n > 0, nil
}

func (s *Store) StampWorker(ctx context.Context, pred engine.SweepPredicate, worker engine.WorkerID, now time.Time) (int, error) {
	var branches []string
	var args []any

	claimable := "(worker_id = '' OR updated < ?)"

	if len(pred.States) > 0 {
		branch := "(state IN (" + placeholders(len(pred.States)) + ")"
		for _, st := range pred.States {
			args = append(args, st)
		}
		if !pred.DueBy.IsZero() {
			branch += " AND settle_after <= ?"
			args = append(args, pred.DueBy.UnixNano())
		}
		branch += " AND " + claimable + ")"
		args = append(args, pred.ExpiredBefore.UnixNano())
		branches = append(branches, branch)
	}
	if len(pred.TerminalStates) > 0 {
		branch := "(state IN (" + placeholders(len(pred.TerminalStates)) + ")"
		for _, st := range pred.TerminalStates {
			args = append(args, st)
		}
		branch += " AND cleanups < ? AND " + claimable + ")"
		args = append(args, pred.CleanupCap, pred.ExpiredBefore.UnixNano())
		branches = append(branches, branch)
	}
	if !pred.ExpiredDepositsBefore.IsZero() {
		branch := "(kind = ? AND state IN (?, ?) AND created < ? AND " + claimable + ")"
		args = append(args,
			engine.KindDeposit, engine.StatePending, engine.StateAuthorized,
			pred.ExpiredDepositsBefore.UnixNano(), pred.ExpiredBefore.UnixNano())
		branches = append(branches, branch)
	}
	if len(branches) == 0 {
		return 0, nil
	}

	where := "(" + strings.Join(branches, " OR ") + ")"
	setArgs := []any{worker, now.UnixNano()}
	if pred.ID != "" {
		where = "id = ? AND " + where
		setArgs = append(setArgs, pred.ID)
	}
	args = append(setArgs, args...)

	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET worker_id = ?, updated = ? WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) NextStamped(ctx context.Context, worker engine.WorkerID) (engine.Transaction, bool, error) {
	row := s.db.QueryRowContext(ctx,
		selectTransaction+` WHERE worker_id = ? ORDER BY id LIMIT 1`, worker)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return engine.Transaction{}, false, nil
	}
	if err != nil {
		return engine.Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Store) Release(ctx context.Context, id engine.TransactionID, worker engine.WorkerID, terminal bool) error {
	inc := 0
	if terminal {
		inc = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET worker_id = '', cleanups = cleanups + ?
		WHERE id = ? AND worker_id = ?`, inc, id, worker)
	return err
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const selectTransaction = `
	SELECT id, kind, amount, transfers_json, created, reference_id,
	       settle_after, settled, voided, state, settle_id, worker_id,
	       updated, cleanups, identity, asset, counter
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (engine.Transaction, error) {
	var tx engine.Transaction
	var amountStr, transfersJSON string
	var created, settleAfter, updated int64
	var settled, voided int

	err := row.Scan(&tx.ID, &tx.Kind, &amountStr, &transfersJSON, &created,
		&tx.ReferenceID, &settleAfter, &settled, &voided, &tx.State,
		&tx.SettleID, &tx.Worker, &updated, &tx.Cleanups,
		&tx.Identity, &tx.Asset, &tx.Counter)
	if err != nil {
		return engine.Transaction{}, err
	}

	tx.Amount, err = money.Parse(amountStr, money.DefaultScale, money.RoundHalfEven)
	if err != nil {
		return engine.Transaction{}, err
	}
	if err := json.Unmarshal([]byte(transfersJSON), &tx.Transfers); err != nil {
		return engine.Transaction{}, err
	}
	tx.Created = time.Unix(0, created).UTC()
	tx.SettleAfter = time.Unix(0, settleAfter).UTC()
	tx.Updated = time.Unix(0, updated).UTC()
	tx.Settled = settled != 0
	tx.Voided = voided != 0
	return tx, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
