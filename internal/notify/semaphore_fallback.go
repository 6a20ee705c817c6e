package notify

import (
	"context"
	"math"

	xsemaphore "golang.org/x/sync/semaphore"
)

// weightedSemaphore adapts golang.org/x/sync/semaphore to the semaphore
// interface. Unlike futexSemaphore it holds no state in shared memory, so
// it cannot synchronize across OS process boundaries; it is the default
// backend wired on every platform. futexSemaphore is an alternative
// backend on Linux; it uses process-private futex operations.
type weightedSemaphore struct {
	w *xsemaphore.Weighted
}

// NewWeightedSemaphore returns an in-process counting semaphore backend.
func NewWeightedSemaphore() *weightedSemaphore {
	w := xsemaphore.NewWeighted(math.MaxInt64)
	// Hold every unit up front so the semaphore starts with zero permits:
	// post releases one unit and wait acquires one back.
	w.TryAcquire(math.MaxInt64)
	return &weightedSemaphore{w: w}
}

func (s *weightedSemaphore) post() {
	s.w.Release(1)
}

func (s *weightedSemaphore) wait(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.w.Acquire(ctx, 1) == nil
}
