package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/engine/store"
	"github.com/warp/settlement-engine/money"
	"github.com/rs/zerolog"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestWorker(t *testing.T) (*engine.Worker, *engine.Engine, *store.Memory, *engine.MemoryBus) {
	t.Helper()
	eng, mem, bus := newTestEngine(t)
	w := engine.NewWorker(eng, mem, bus, zerolog.Nop())
	return w, eng, mem, bus
}

// recordingObserver captures worker telemetry for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	operations int
	failures   int
	claimed    int
	sweeps     int
}

func (o *recordingObserver) OperationObserved(_ engine.Algorithm, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operations++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) SweepObserved(_ engine.Algorithm, claimed, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
	o.claimed += claimed
}

// =============================================================================
// SWEEP: SETTLE
// =============================================================================

func TestSettleSweep_SettlesDueTransaction(t *testing.T) {
	// GIVEN: An authorized, due transfer and no attached worker
	// WHEN: Running one settle sweep
	// THEN: The transaction is settled end to end and the claim released

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	stored, err := eng.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateSettled, stored.State)
	assert.False(t, stored.Worker.Claimed())
	assert.True(t, account(t, mem, "B").Balance.Equal(money.MustParse("10.00")))
}

func TestSettleSweep_SkipsNotYetDue(t *testing.T) {
	// GIVEN: A transaction scheduled an hour out
	// WHEN: Sweeping now
	// THEN: It is not claimed and stays authorized

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	tx.SettleAfter = time.Now().UTC().Add(time.Hour)
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateAuthorized, stored.State)
}

func TestSettleSweep_HonorsLiveClaim(t *testing.T) {
	// GIVEN: A due transaction freshly claimed by another worker
	// WHEN: Sweeping
	// THEN: The live claim is honored; the transaction is not stolen

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	now := time.Now().UTC()
	n, err := mem.StampWorker(ctx, engine.SweepPredicate{
		ID:            tx.ID,
		States:        []engine.State{engine.StateAuthorized},
		DueBy:         now,
		ExpiredBefore: now.Add(-time.Minute),
	}, "other-worker", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateAuthorized, stored.State)
	assert.Equal(t, engine.WorkerID("other-worker"), stored.Worker)
}

func TestSettleSweep_ReclaimsExpiredClaim(t *testing.T) {
	// GIVEN: A due transaction stamped by a worker that crashed long ago
	// WHEN: Sweeping after the expiration window
	// THEN: The stale claim is reclaimed and the transaction settles

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	// The crashed worker stamped its claim two hours ago.
	old := time.Now().UTC().Add(-2 * time.Hour)
	n, err := mem.StampWorker(ctx, engine.SweepPredicate{
		ID:            tx.ID,
		States:        []engine.State{engine.StateAuthorized},
		DueBy:         time.Now().UTC(),
		ExpiredBefore: old.Add(-time.Minute),
	}, "crashed-worker", old)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateSettled, stored.State)
	assert.True(t, account(t, mem, "B").Balance.Equal(money.MustParse("10.00")))
	assert.True(t, totalFunds(mem).Equal(money.MustParse("100.00")))
}

func TestSettleSweep_ResumesInterruptedSettlement(t *testing.T) {
	// GIVEN: A settlement that escrowed funds and crashed mid-flight,
	//        leaving the transaction in the processing state
	// WHEN: Sweeping after the claim expired
	// THEN: The sweep finishes the settlement without double-crediting

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	// Crash simulation: claim, escrow with marker, then nothing.
	_, claimed, err := mem.ClaimForProcessing(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	b := account(t, mem, "B")
	escrow := b.Escrow.Add(money.MustParse("10.00"))
	ok, err := mem.ConditionalUpdate(ctx, "B", b.UpdateID, engine.AccountMutation{
		Escrow:      &escrow,
		AddIncoming: map[engine.TransactionID]int64{tx.ID: 1},
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateSettled, stored.State)
	b = account(t, mem, "B")
	assert.True(t, b.Balance.Equal(money.MustParse("10.00")), "balance %s", b.Balance)
	assert.True(t, b.Escrow.IsZero())
	assert.True(t, totalFunds(mem).Equal(money.MustParse("100.00")))
}

func TestSettleSweep_CleanupPassesAreBounded(t *testing.T) {
	// GIVEN: A settled transaction
	// WHEN: Sweeping repeatedly
	// THEN: Each terminal sweep bumps the cleanup counter until the cap,
	//       after which the transaction is never claimed again

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	// First sweep settles; the release after a terminal state counts as
	// cleanup pass one.
	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))
	stored, _ := eng.GetTransaction(ctx, tx.ID)
	require.Equal(t, engine.StateSettled, stored.State)
	assert.Equal(t, 1, stored.Cleanups)

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))
	stored, _ = eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, 2, stored.Cleanups)

	// At the cap: no further claims, counter stays put.
	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))
	stored, _ = eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, 2, stored.Cleanups)
	assert.True(t, account(t, mem, "B").Balance.Equal(money.MustParse("10.00")))
}

// =============================================================================
// SWEEP: VOID
// =============================================================================

func TestVoidSweep_DrainsVoidingTransactions(t *testing.T) {
	// GIVEN: A failed authorization stuck in the voiding state
	// WHEN: Running one void sweep
	// THEN: The transaction finishes voided with the balance restored

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "5.00")
	fundedAccount(t, mem, "B", "0")

	tx := transfer("A", "B", "10.00")
	require.ErrorIs(t, eng.AuthorizeTransaction(ctx, tx, nil), engine.ErrInsufficientFunds)

	require.NoError(t, w.Run(ctx, engine.AlgorithmVoid, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateVoided, stored.State)
	assert.True(t, stored.Voided)
	assert.True(t, account(t, mem, "A").Balance.Equal(money.MustParse("5.00")))
}

func TestVoidSweep_ExpiresStaleDeposits(t *testing.T) {
	// GIVEN: A deposit authorized over an hour ago and never confirmed
	// WHEN: The void sweep runs past the deposit expiration window
	// THEN: The deposit is voided

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "B", "0")

	amt := money.MustParse("25.00")
	tx := &engine.Transaction{
		Kind:        engine.KindDeposit,
		Amount:      amt,
		Transfers:   []engine.Transfer{{Destination: "B", Amount: amt}},
		SettleAfter: time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	w.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Hour) })
	require.NoError(t, w.Run(ctx, engine.AlgorithmVoid, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateVoided, stored.State)
	assert.True(t, account(t, mem, "B").Balance.IsZero())
}

func TestVoidSweep_LeavesFreshDepositsAlone(t *testing.T) {
	// GIVEN: A deposit authorized just now
	// WHEN: The void sweep runs
	// THEN: The deposit is untouched

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "B", "0")

	amt := money.MustParse("25.00")
	tx := &engine.Transaction{
		Kind:        engine.KindDeposit,
		Amount:      amt,
		Transfers:   []engine.Transfer{{Destination: "B", Amount: amt}},
		SettleAfter: time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	require.NoError(t, w.Run(ctx, engine.AlgorithmVoid, ""))

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateAuthorized, stored.State)
}

// =============================================================================
// EVENT WIRING
// =============================================================================

func TestWorker_AttachedWorkerSettlesOnEvent(t *testing.T) {
	// GIVEN: A worker attached to a synchronous bus
	// WHEN: Authorizing a due transfer
	// THEN: The settle event drives the settlement inline

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	detach := w.Attach()
	defer detach()

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	stored, err := eng.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateSettled, stored.State)
	assert.True(t, account(t, mem, "B").Balance.Equal(money.MustParse("10.00")))
}

func TestWorker_InsufficientFundsIsVoidedViaEvent(t *testing.T) {
	// GIVEN: An attached worker
	// WHEN: An authorization fails on insufficient funds
	// THEN: The emitted void event reverses the transaction inline

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "5.00")
	fundedAccount(t, mem, "B", "0")

	detach := w.Attach()
	defer detach()

	tx := transfer("A", "B", "10.00")
	require.ErrorIs(t, eng.AuthorizeTransaction(ctx, tx, nil), engine.ErrInsufficientFunds)

	stored, _ := eng.GetTransaction(ctx, tx.ID)
	assert.Equal(t, engine.StateVoided, stored.State)
}

// =============================================================================
// OBSERVER + ERRORS
// =============================================================================

func TestWorker_ObserverSeesSweeps(t *testing.T) {
	// GIVEN: A worker with a telemetry observer
	// WHEN: Sweeping two due transactions
	// THEN: The observer records the claims and operations

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	obs := &recordingObserver{}
	w.SetObserver(obs)

	for i := 0; i < 2; i++ {
		tx := transfer("A", "B", "1.00")
		require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))
	}
	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, ""))

	assert.Equal(t, 1, obs.sweeps)
	assert.Equal(t, 2, obs.claimed)
	assert.Equal(t, 2, obs.operations)
	assert.Equal(t, 0, obs.failures)
}

func TestWorker_InvalidAlgorithm(t *testing.T) {
	w, _, _, _ := newTestWorker(t)
	err := w.Run(context.Background(), engine.Algorithm("compact"), "")
	require.ErrorIs(t, err, engine.ErrInvalidWorkerAlgorithm)
}

func TestWorker_ScopedRunTouchesOnlyTarget(t *testing.T) {
	// GIVEN: Two due transactions
	// WHEN: Running a sweep scoped to one of them
	// THEN: Only the scoped transaction settles

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	first := transfer("A", "B", "1.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, first, nil))
	second := transfer("A", "B", "1.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, second, nil))

	require.NoError(t, w.Run(ctx, engine.AlgorithmSettle, first.ID))

	s1, _ := eng.GetTransaction(ctx, first.ID)
	s2, _ := eng.GetTransaction(ctx, second.ID)
	assert.Equal(t, engine.StateSettled, s1.State)
	assert.Equal(t, engine.StateAuthorized, s2.State)
}

func TestWorker_ReattachAfterDetach(t *testing.T) {
	// GIVEN: A worker that was attached and detached once
	// WHEN: Detaching again and attaching a second time
	// THEN: Neither detach panics and events settle through the new attachment

	ctx := context.Background()
	w, eng, mem, _ := newTestWorker(t)
	fundedAccount(t, mem, "A", "100.00")
	fundedAccount(t, mem, "B", "0")

	detach := w.Attach()
	detach()
	detach()

	detach = w.Attach()
	defer detach()

	tx := transfer("A", "B", "10.00")
	require.NoError(t, eng.AuthorizeTransaction(ctx, tx, nil))

	stored, err := eng.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateSettled, stored.State)
}
