package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/engine/store"
	"github.com/warp/settlement-engine/money"
)

func seedTransaction(t *testing.T, mem *store.Memory, tx engine.Transaction) {
	t.Helper()
	if tx.State == "" {
		tx.State = engine.StateAuthorized
	}
	if tx.Created.IsZero() {
		tx.Created = time.Now().UTC()
	}
	require.NoError(t, mem.InsertTransaction(context.Background(), tx))
}

// =============================================================================
// ACCOUNT CAS
// =============================================================================

func TestConditionalUpdate_MatchingTokenApplies(t *testing.T) {
	// GIVEN: An account at update token 0
	// WHEN: Updating with the matching token
	// THEN: The mutation applies and the token advances

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAccount(ctx, engine.NewAccount("A")))

	balance := money.MustParse("50.00")
	ok, err := mem.ConditionalUpdate(ctx, "A", 0, engine.AccountMutation{
		Balance:     &balance,
		AddOutgoing: map[engine.TransactionID]time.Time{"t1": time.Now()},
	})
	require.NoError(t, err)
	require.True(t, ok)

	acct, err := mem.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.UpdateID)
	assert.True(t, acct.Balance.Equal(balance))
	assert.Contains(t, acct.Outgoing, engine.TransactionID("t1"))
}

func TestConditionalUpdate_StaleTokenRejected(t *testing.T) {
	// GIVEN: An account whose token has moved on
	// WHEN: Updating with the stale token
	// THEN: The update is rejected without error and nothing changes

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAccount(ctx, engine.NewAccount("A")))

	balance := money.MustParse("50.00")
	ok, err := mem.ConditionalUpdate(ctx, "A", 0, engine.AccountMutation{Balance: &balance})
	require.NoError(t, err)
	require.True(t, ok)

	stale := money.MustParse("999.00")
	ok, err = mem.ConditionalUpdate(ctx, "A", 0, engine.AccountMutation{Balance: &stale})
	require.NoError(t, err)
	assert.False(t, ok)

	acct, _ := mem.GetAccount(ctx, "A")
	assert.True(t, acct.Balance.Equal(balance))
}

func TestConditionalUpdate_MissingAccount(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	_, err := mem.ConditionalUpdate(ctx, "ghost", 0, engine.AccountMutation{})
	require.ErrorIs(t, err, engine.ErrAccountNotFound)
}

func TestGetAccount_ReturnsACopy(t *testing.T) {
	// Mutating a returned document must not leak into the store.
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateAccount(ctx, engine.NewAccount("A")))

	acct, _ := mem.GetAccount(ctx, "A")
	acct.Outgoing["t1"] = time.Now()

	fresh, _ := mem.GetAccount(ctx, "A")
	assert.Empty(t, fresh.Outgoing)
}

// =============================================================================
// TRANSACTION UNIQUENESS
// =============================================================================

func TestInsertTransaction_UniqueIndexes(t *testing.T) {
	// GIVEN: A stored transaction
	// WHEN: Inserting conflicting documents
	// THEN: Each conflict names the constraint that fired

	ctx := context.Background()
	mem := store.NewMemory()
	seedTransaction(t, mem, engine.Transaction{
		ID: "t1", Identity: "id-1", Asset: "usd", Counter: 1, ReferenceID: "ref-1",
	})

	err := mem.InsertTransaction(ctx, engine.Transaction{
		ID: "t1", Identity: "other", Asset: "other", Counter: 9, ReferenceID: "other",
	})
	var dup *engine.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, engine.ConstraintID, dup.Constraint)

	err = mem.InsertTransaction(ctx, engine.Transaction{
		ID: "t2", Identity: "id-1", Asset: "usd", Counter: 1, ReferenceID: "ref-2",
	})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, engine.ConstraintCounter, dup.Constraint)

	err = mem.InsertTransaction(ctx, engine.Transaction{
		ID: "t3", Identity: "id-1", Asset: "usd", Counter: 2, ReferenceID: "ref-1",
	})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, engine.ConstraintReference, dup.Constraint)
}

func TestMaxCounter_ScopedToIdentityAsset(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedTransaction(t, mem, engine.Transaction{ID: "t1", Identity: "a", Asset: "usd", Counter: 3, ReferenceID: "r1"})
	seedTransaction(t, mem, engine.Transaction{ID: "t2", Identity: "a", Asset: "eur", Counter: 9, ReferenceID: "r2"})

	max, err := mem.MaxCounter(ctx, "a", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	max, err = mem.MaxCounter(ctx, "b", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

func TestUpdateState_ConditionalTransition(t *testing.T) {
	// GIVEN: An authorized transaction
	// WHEN: Transitioning with matching and mismatched from-states
	// THEN: Only the matching transition lands

	ctx := context.Background()
	mem := store.NewMemory()
	seedTransaction(t, mem, engine.Transaction{ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1"})

	ok, err := mem.UpdateState(ctx, "t1", engine.StateChange{
		From: []engine.State{engine.StatePending},
		To:   engine.StateVoiding,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = mem.UpdateState(ctx, "t1", engine.StateChange{
		From:        []engine.State{engine.StateAuthorized},
		To:          engine.StateSettled,
		MarkSettled: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	tx, _ := mem.GetTransaction(ctx, "t1")
	assert.Equal(t, engine.StateSettled, tx.State)
	assert.True(t, tx.Settled)
}

func TestUpdateState_SettleIDFence(t *testing.T) {
	// A transition gated on an old attempt version must not land.
	ctx := context.Background()
	mem := store.NewMemory()
	seedTransaction(t, mem, engine.Transaction{ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1"})

	_, claimed, err := mem.ClaimForProcessing(ctx, "t1")
	require.NoError(t, err)
	require.True(t, claimed)

	stale := int64(0)
	ok, err := mem.UpdateState(ctx, "t1", engine.StateChange{
		To:         engine.StateSettling,
		IfSettleID: &stale,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimForProcessing_IncrementsAttemptVersion(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedTransaction(t, mem, engine.Transaction{ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1"})

	tx, claimed, err := mem.ClaimForProcessing(ctx, "t1")
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, engine.StateProcessing, tx.State)
	assert.Equal(t, int64(1), tx.SettleID)

	tx, claimed, err = mem.ClaimForProcessing(ctx, "t1")
	require.NoError(t, err)
	require.True(t, claimed, "processing is reclaimable")
	assert.Equal(t, int64(2), tx.SettleID)

	_, err = mem.UpdateState(ctx, "t1", engine.StateChange{To: engine.StateVoided})
	require.NoError(t, err)
	tx, claimed, err = mem.ClaimForProcessing(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, engine.StateVoided, tx.State)
}

// =============================================================================
// WORKER CLAIM PROTOCOL
// =============================================================================

func TestStampAndDrain(t *testing.T) {
	// GIVEN: Two due transactions and one future one
	// WHEN: Stamping with a sweep predicate and draining
	// THEN: Only the due pair is claimed, drained in stable order, and
	//       released claims clear the worker id

	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, mem, engine.Transaction{ID: "t1", Identity: "a", Asset: "u1", Counter: 1, ReferenceID: "r1", SettleAfter: now.Add(-time.Minute)})
	seedTransaction(t, mem, engine.Transaction{ID: "t2", Identity: "a", Asset: "u2", Counter: 1, ReferenceID: "r2", SettleAfter: now.Add(-time.Minute)})
	seedTransaction(t, mem, engine.Transaction{ID: "t3", Identity: "a", Asset: "u3", Counter: 1, ReferenceID: "r3", SettleAfter: now.Add(time.Hour)})

	pred := engine.SweepPredicate{
		States:        []engine.State{engine.StateAuthorized},
		DueBy:         now,
		ExpiredBefore: now.Add(-time.Minute),
	}
	n, err := mem.StampWorker(ctx, pred, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tx, ok, err := mem.NextStamped(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, engine.TransactionID("t1"), tx.ID)

	require.NoError(t, mem.Release(ctx, "t1", "w1", false))
	tx, ok, err = mem.NextStamped(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, engine.TransactionID("t2"), tx.ID)

	require.NoError(t, mem.Release(ctx, "t2", "w1", false))
	_, ok, err = mem.NextStamped(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	t1, _ := mem.GetTransaction(ctx, "t1")
	assert.False(t, t1.Worker.Claimed())
	assert.Equal(t, 0, t1.Cleanups)
}

func TestRelease_TerminalBumpsCleanups(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, mem, engine.Transaction{
		ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1",
		State: engine.StateSettled, SettleAfter: now,
	})

	pred := engine.SweepPredicate{
		TerminalStates: []engine.State{engine.StateSettled},
		CleanupCap:     2,
		ExpiredBefore:  now.Add(-time.Minute),
	}
	n, err := mem.StampWorker(ctx, pred, "w1", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, mem.Release(ctx, "t1", "w1", true))
	tx, _ := mem.GetTransaction(ctx, "t1")
	assert.Equal(t, 1, tx.Cleanups)

	// A release under the wrong worker id is a no-op.
	require.NoError(t, mem.Release(ctx, "t1", "stranger", true))
	tx, _ = mem.GetTransaction(ctx, "t1")
	assert.Equal(t, 1, tx.Cleanups)
}

func TestStampWorker_CleanupCapExcludes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()
	seedTransaction(t, mem, engine.Transaction{
		ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1",
		State: engine.StateVoided, Cleanups: 2,
	})

	pred := engine.SweepPredicate{
		TerminalStates: []engine.State{engine.StateVoided},
		CleanupCap:     2,
		ExpiredBefore:  now.Add(-time.Minute),
	}
	n, err := mem.StampWorker(ctx, pred, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestFindTransactions_Filters(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	base := time.Now().UTC()
	seedTransaction(t, mem, engine.Transaction{
		ID: "t1", Identity: "a", Asset: "usd", Counter: 1, ReferenceID: "r1",
		Kind: engine.KindTransfer, Created: base,
	})
	seedTransaction(t, mem, engine.Transaction{
		ID: "t2", Identity: "a", Asset: "usd", Counter: 2, ReferenceID: "r2",
		Kind: engine.KindDeposit, Created: base.Add(time.Second),
	})
	seedTransaction(t, mem, engine.Transaction{
		ID: "t3", Identity: "b", Asset: "usd", Counter: 1, ReferenceID: "r3",
		Kind: engine.KindTransfer, Created: base.Add(2 * time.Second),
	})

	txs, err := mem.FindTransactions(ctx, engine.TransactionQuery{Identity: "a"})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.Equal(t, engine.TransactionID("t1"), txs[0].ID, "sorted by creation time")

	txs, err = mem.FindTransactions(ctx, engine.TransactionQuery{Kind: engine.KindDeposit})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, engine.TransactionID("t2"), txs[0].ID)

	txs, err = mem.FindTransactions(ctx, engine.TransactionQuery{
		States: []engine.State{engine.StateVoided},
	})
	require.NoError(t, err)
	assert.Empty(t, txs)
}
