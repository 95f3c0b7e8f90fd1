/*
events.go - Event bus for asynchronous settlement scheduling

PURPOSE:
  Settlement and voiding beyond authorization are eventually-consistent
  background operations triggered by events. The bus is an injected
  dependency (never a process-global singleton) so tests can substitute a
  synchronous in-memory bus and observe deterministic behavior.

DELIVERY:
  At-least-once, fire-and-forget. Handlers run outside the emitter's call
  stack on the asynchronous bus. Duplicate delivery is harmless: every
  state-machine operation is idempotent.

SEE ALSO:
  - worker.go: Subscribes to the settle/void events
  - machine.go: Emits settle-request and void-request events
*/
package engine

import (
	"context"
	"sync"
)

// Event types understood by the worker. A zero TransactionID means a full
// sweep; otherwise the event is scoped to one transaction.
const (
	EventSettle = "transaction.settle"
	EventVoid   = "transaction.void"
)

type Event struct {
	Type          string
	TransactionID TransactionID
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, ev Event)

// Bus is the asynchronous work-scheduling channel between the state
// machine and the workers.
type Bus interface {
	// Emit delivers the event to all current subscribers of its type.
	// Fire-and-forget: Emit never blocks on handler completion.
	Emit(ctx context.Context, ev Event)

	// Subscribe registers a handler for an event type and returns a
	// function that removes the subscription.
	Subscribe(eventType string, h Handler) (unsubscribe func())
}

// =============================================================================
// MEMORY BUS
// =============================================================================

// MemoryBus is an in-process Bus. Handlers run on their own goroutine
// unless the bus is constructed synchronous, in which case Emit invokes
// handlers inline (useful for deterministic tests).
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]Handler
	nextID      int
	synchronous bool
	wg          sync.WaitGroup
}

// NewBus returns an asynchronous in-memory bus.
func NewBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string]map[int]Handler)}
}

// NewSyncBus returns a bus that delivers events inline on the emitter's
// goroutine. For tests.
func NewSyncBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string]map[int]Handler), synchronous: true}
}

func (b *MemoryBus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[ev.Type]))
	for _, h := range b.subscribers[ev.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if b.synchronous {
			h(ctx, ev)
			continue
		}
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(ctx, ev)
		}(h)
	}
}

func (b *MemoryBus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subscribers[eventType][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[eventType], id)
	}
}

// Drain blocks until all asynchronous handler goroutines spawned so far
// have returned. For tests and graceful shutdown.
func (b *MemoryBus) Drain() {
	b.wg.Wait()
}
