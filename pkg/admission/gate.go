package admission

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of connections being processed at the same time.
type Gate struct {
	sem   *semaphore.Weighted
	cap   int
	inUse atomic.Int64
}

func NewGate(maxClients int) *Gate {
	if maxClients <= 0 {
		panic(fmt.Sprintf("admission: invalid max clients: %d", maxClients))
	}
	return &Gate{
		sem: semaphore.NewWeighted(int64(maxClients)),
		cap: maxClients,
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

// TryAcquire acquires a permit without blocking.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inUse.Add(1)
	return true
}

// Release returns a permit. It panics if no permit is held.
func (g *Gate) Release() {
	if g.inUse.Add(-1) < 0 {
		g.inUse.Add(1)
		panic("admission: release without acquire")
	}
	g.sem.Release(1)
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

func (g *Gate) Cap() int {
	return g.cap
}
