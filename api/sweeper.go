/*
sweeper.go - Background settlement sweep lifecycle

PURPOSE:
  Owns the background worker that drains due, stuck, and voiding
  transactions. Attaches the worker to the event bus and seeds the first
  sweep of each algorithm; subsequent sweeps reschedule themselves on the
  engine's sweep interval.

DESIGN:
  - One Worker instance serves both algorithms (settle and void)
  - Start is idempotent per Sweeper; Stop detaches and waits for the bus
  - Scoped events (a concrete transaction id) flow through the same worker
    without involving the sweeper

USAGE:
  sweeper := api.NewSweeper(eng, store, bus, logger)
  sweeper.Start(ctx)
  // ... later
  sweeper.Stop()

SEE ALSO:
  - engine/worker.go: Claim protocol and sweep predicates
  - cmd/settled/main.go: Server startup
*/
package api

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/warp/settlement-engine/engine"
)

// Sweeper starts and stops the background settlement worker.
type Sweeper struct {
	worker *engine.Worker
	bus    engine.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	detach  func()
	started bool
}

// NewSweeper creates a sweeper around a fresh worker.
func NewSweeper(eng *engine.Engine, txs engine.TransactionStore, bus engine.Bus, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		worker: engine.NewWorker(eng, txs, bus, log),
		bus:    bus,
		log:    log,
	}
}

// Worker exposes the underlying worker, e.g. to install an observer.
func (s *Sweeper) Worker() *engine.Worker { return s.worker }

// Start attaches the worker and seeds the first settle and void sweeps.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.detach = s.worker.Attach()
	s.started = true

	// An event with no transaction id is a full sweep; the worker
	// reschedules it on the sweep interval after each pass.
	s.bus.Emit(ctx, engine.Event{Type: engine.EventSettle})
	s.bus.Emit(ctx, engine.Event{Type: engine.EventVoid})

	s.log.Info().Msg("sweeper started")
}

// Stop detaches the worker. In-flight sweeps finish; no new ones start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.detach()
	s.started = false
	s.log.Info().Msg("sweeper stopped")
}
