package chanutil

import (
	"context"
	"sync"
)

// Gate is a single-shot, re-armable signal: exactly one Release()
// authorizes exactly one Wait() to proceed, in either order. A Release
// that arrives before anyone is waiting stays pending until consumed.
//
// This backs the provider's pull/push gates: a condition variable
// with predicate polling would work too, but this formulation selects
// cleanly alongside context cancellation.
type Gate struct {
	mu      sync.Mutex
	pending bool
	ch      chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Release authorizes one Wait to proceed. Idempotent while a release
// is already pending and unconsumed.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending {
		g.pending = true
		close(g.ch)
	}
}

// Wait blocks until Release has been called at least once since the
// last Wait, or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.pending {
			g.pending = false
			g.ch = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		ch := g.ch
		g.mu.Unlock()

		select {
		case <-ch:
			// Another waiter may have consumed this release first; loop
			// and re-check rather than proceeding on someone else's pass.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnceEvent is an event that is set exactly once over its lifetime and
// never re-armed, the provider's "synchronized" flag.
type OnceEvent struct {
	ch   chan struct{}
	once sync.Once
}

func NewOnceEvent() *OnceEvent {
	return &OnceEvent{ch: make(chan struct{})}
}

func (e *OnceEvent) Set() {
	e.once.Do(func() { close(e.ch) })
}

func (e *OnceEvent) Done() <-chan struct{} {
	return e.ch
}

func (e *OnceEvent) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
