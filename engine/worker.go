/*
worker.go - Background settle/void worker

PURPOSE:
  Single-purpose background loop, one algorithm per run (settle or void),
  triggered either by an event naming one transaction or by a periodic
  sweep naming none. Because optimistic concurrency lets any number of
  workers attempt the same transaction, the worker first stamps a batch
  with its own random id, bounding contention by giving one worker
  temporary ownership. The expiration window guarantees a crashed worker's
  stamp is eventually reclaimed; the cleanup cap guarantees terminal
  transactions are swept a bounded number of times, not forever.

PROTOCOL:
  1. Generate a random worker id
  2. Bulk-stamp all transactions matching the algorithm's predicate
  3. Drain stamped transactions one at a time through the state machine
  4. Release each (reset claim; bump Cleanups when terminal)
  5. If triggered as a periodic sweep, re-emit the trigger after the
     configured interval

ERRORS:
  One transaction's failure never aborts the batch; it is logged and the
  drain continues. Store failures abort the sweep and rely on the next
  scheduled sweep to resume.

SEE ALSO:
  - machine.go: The operations the worker drives
  - api/sweeper.go: Lifecycle wiring (start/stop, initial sweep)
*/
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Algorithm names a worker loop variety.
type Algorithm string

const (
	AlgorithmSettle Algorithm = "settle"
	AlgorithmVoid   Algorithm = "void"
)

// Observer receives worker telemetry. Implementations must be safe for
// concurrent use. The metrics package provides a Prometheus-backed one.
type Observer interface {
	OperationObserved(alg Algorithm, d time.Duration, err error)
	SweepObserved(alg Algorithm, claimed, failed int)
}

// Worker claims and drives batches of transactions through the state
// machine. Safe to run many instances concurrently, in or across
// processes.
type Worker struct {
	engine   *Engine
	txs      TransactionStore
	bus      Bus
	opts     Options
	log      zerolog.Logger
	observer Observer

	now func() time.Time

	mu       sync.Mutex
	detached chan struct{}
}

// NewWorker creates a worker over the engine's stores and bus.
func NewWorker(engine *Engine, txs TransactionStore, bus Bus, log zerolog.Logger) *Worker {
	return &Worker{
		engine:   engine,
		txs:      txs,
		bus:      bus,
		opts:     engine.Options(),
		log:      log.With().Str("component", "worker").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		detached: make(chan struct{}),
	}
}

// SetObserver installs a telemetry sink. Must be called before Attach.
func (w *Worker) SetObserver(o Observer) { w.observer = o }

// SetClock overrides the worker's time source. For tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// Attach subscribes the worker to the settle and void events. The returned
// function detaches it and stops any pending resweep; calling it more than
// once is a no-op, and a detached worker may be attached again.
func (w *Worker) Attach() func() {
	// Each attachment gets its own channel so resweeps scheduled during a
	// previous attachment stay cancelled after a re-attach.
	w.mu.Lock()
	detached := make(chan struct{})
	w.detached = detached
	w.mu.Unlock()

	unsubSettle := w.bus.Subscribe(EventSettle, func(ctx context.Context, ev Event) {
		w.handle(ctx, AlgorithmSettle, ev)
	})
	unsubVoid := w.bus.Subscribe(EventVoid, func(ctx context.Context, ev Event) {
		w.handle(ctx, AlgorithmVoid, ev)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubSettle()
			unsubVoid()
			close(detached)
		})
	}
}

func (w *Worker) handle(ctx context.Context, alg Algorithm, ev Event) {
	if err := w.Run(ctx, alg, ev.TransactionID); err != nil {
		w.log.Error().Err(err).Str("algorithm", string(alg)).Msg("sweep aborted")
	}

	// A periodic sweep reschedules itself; events scoped to one
	// transaction do not.
	if ev.TransactionID == "" && w.opts.SweepInterval > 0 {
		eventType := ev.Type
		w.mu.Lock()
		detached := w.detached
		w.mu.Unlock()
		time.AfterFunc(w.opts.SweepInterval, func() {
			select {
			case <-detached:
			default:
				w.bus.Emit(context.Background(), Event{Type: eventType})
			}
		})
	}
}

// Run executes one pass of the given algorithm, optionally scoped to a
// single transaction. Returns an error only for store failures or an
// unknown algorithm; per-transaction failures are logged and skipped.
func (w *Worker) Run(ctx context.Context, alg Algorithm, scope TransactionID) error {
	workerID := WorkerID(uuid.NewString())
	now := w.now()

	pred, err := w.predicate(alg, scope, now)
	if err != nil {
		return err
	}

	claimed, err := w.txs.StampWorker(ctx, pred, workerID, now)
	if err != nil {
		return err
	}

	failed := 0
	for {
		tx, ok, err := w.txs.NextStamped(ctx, workerID)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		start := time.Now()
		opErr := w.step(ctx, alg, tx)
		if w.observer != nil {
			w.observer.OperationObserved(alg, time.Since(start), opErr)
		}
		if opErr != nil {
			failed++
			// Losing a race to another worker is expected under optimistic
			// concurrency; a later sweep finishes the job.
			evt := w.log.Warn()
			if IsTransient(opErr) {
				evt = w.log.Debug()
			}
			evt.Err(opErr).
				Str("algorithm", string(alg)).
				Str("transaction", string(tx.ID)).
				Str("state", string(tx.State)).
				Msg("settlement step failed")
		}

		cur, err := w.txs.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		if err := w.txs.Release(ctx, tx.ID, workerID, cur.State.Terminal()); err != nil {
			return err
		}
	}

	if w.observer != nil {
		w.observer.SweepObserved(alg, claimed, failed)
	}
	if claimed > 0 {
		w.log.Info().
			Str("algorithm", string(alg)).
			Int("claimed", claimed).
			Int("failed", failed).
			Msg("sweep completed")
	}
	return nil
}

// step runs the state-machine operation appropriate for the transaction's
// state under the given algorithm.
func (w *Worker) step(ctx context.Context, alg Algorithm, tx Transaction) error {
	switch alg {
	case AlgorithmSettle:
		switch tx.State {
		case StateAuthorized, StateProcessing:
			if err := w.engine.ProcessTransaction(ctx, tx.ID); err != nil {
				return err
			}
			return w.engine.SettleTransaction(ctx, tx.ID)
		case StateSettled:
			return w.engine.CleanupTransaction(ctx, tx.ID)
		default:
			return w.engine.SettleTransaction(ctx, tx.ID)
		}
	case AlgorithmVoid:
		if tx.State == StateVoided {
			return w.engine.CleanupTransaction(ctx, tx.ID)
		}
		return w.engine.VoidTransaction(ctx, tx.ID)
	default:
		return fmt.Errorf("%q: %w", alg, ErrInvalidWorkerAlgorithm)
	}
}

// predicate derives the claim criteria for an algorithm from the state
// machine's invariants: a transaction is claimable iff it is live, due,
// and unclaimed (or its claim expired), or it is terminal with cleanup
// passes remaining.
func (w *Worker) predicate(alg Algorithm, scope TransactionID, now time.Time) (SweepPredicate, error) {
	expired := now.Add(-w.opts.WorkerExpiration)
	switch alg {
	case AlgorithmSettle:
		return SweepPredicate{
			ID:             scope,
			States:         []State{StateAuthorized, StateProcessing, StateSettling},
			DueBy:          now,
			ExpiredBefore:  expired,
			TerminalStates: []State{StateSettled},
			CleanupCap:     w.opts.MaxCleanups,
		}, nil
	case AlgorithmVoid:
		return SweepPredicate{
			ID:                    scope,
			States:                []State{StateVoiding},
			ExpiredBefore:         expired,
			TerminalStates:        []State{StateVoided},
			CleanupCap:            w.opts.MaxCleanups,
			ExpiredDepositsBefore: now.Add(-w.opts.DepositExpiration),
		}, nil
	default:
		return SweepPredicate{}, fmt.Errorf("%q: %w", alg, ErrInvalidWorkerAlgorithm)
	}
}
