package zcipc

import (
	"context"
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/notify"
)

// dataSource is anything a WaitSet can attach to an index: presently
// only *SubscriberPort, but kept as an interface so a future user event
// source (spec §3's "or user event source") can attach the same way.
type dataSource interface {
	HasData() bool
	bindNotifier(n *notify.Notifier, index int)
}

// WaitSet lets a subscribing thread block until any of several attached
// sources has data, using a single shared notifier rather than one
// blocking call per source. It is exclusively owned by the subscribing
// thread's process.
//
// The underlying notifier's arm/wait pair is edge-triggered: a bit only
// causes a semaphore post on its empty-to-nonempty transition, and
// Wait's atomic swap clears every bit it reports. That alone loses a
// second wakeup for data that arrived before the first Wait but is still
// unconsumed after it (scenario 6 of the testable properties: a second
// immediate wait with the queue still non-empty must also fire).
// WaitSet.Wait closes that gap by re-deriving "still has data" from each
// attached source's own HasData() before ever touching the semaphore,
// rather than trusting the bit alone.
//
// WaitSet wires the portable, in-process semaphore backend
// (notify.NewWeightedSemaphore); it does not use the futex backend in
// internal/notify.
type WaitSet struct {
	mu       sync.Mutex
	notifier *notify.Notifier
	sources  map[int]dataSource
}

// NewWaitSet builds a WaitSet over bits, the notifier's shared bitset
// word.
func NewWaitSet(bits *uint64) *WaitSet {
	return &WaitSet{
		notifier: notify.New(bits, notify.NewWeightedSemaphore()),
		sources:  make(map[int]dataSource),
	}
}

// Attach binds src to index. A second Attach at the same index replaces
// the previous binding.
func (w *WaitSet) Attach(index int, src dataSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources[index] = src
	src.bindNotifier(w.notifier, index)
}

// Detach removes the binding at index.
func (w *WaitSet) Detach(index int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sources, index)
}

// Wait blocks until at least one attached source has data or ctx ends,
// returning the set of fired indices. An empty, non-nil result means ctx
// expired; a nil result with ok=false means Destroy was called.
func (w *WaitSet) Wait(ctx context.Context) (fired []int, ok bool) {
	for {
		if ready := w.scanReady(); len(ready) > 0 {
			return ready, true
		}
		if _, destroyed := w.notifier.Wait(ctx); destroyed {
			return nil, false
		}
		if ctx != nil && ctx.Err() != nil {
			return []int{}, true
		}
	}
}

func (w *WaitSet) scanReady() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []int
	for idx, src := range w.sources {
		if src.HasData() {
			ready = append(ready, idx)
		}
	}
	return ready
}

// Destroy wakes any blocked Wait with ok=false, permanently.
func (w *WaitSet) Destroy() {
	w.notifier.Destroy()
}

func indicesOf(bits uint64) []int {
	var out []int
	for i := 0; i < notify.MaxTriggers; i++ {
		if bits&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}
