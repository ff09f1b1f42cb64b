package docstore

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of logical units concurrently using physical
// connections. It is sized to pool capacity and is the sole arbiter of
// concurrent connection count. Fairness among waiters is not guaranteed;
// exclusivity is.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
}

func NewGate(capacity int64) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

func (g *Gate) Capacity() int64 { return g.capacity }

// Acquire blocks until a permit is available, runs fn holding exactly one
// permit, and releases the permit on every exit path including panics.
// Cancellation while waiting returns an unavailable error without running fn.
func (g *Gate) Acquire(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return NewError(CodeUnavailable, "gate.acquire", err.Error(), err)
	}
	defer g.sem.Release(1)
	return fn(ctx)
}
