// Package notify implements the waitset's shared signaling primitive: a
// counting semaphore paired with an atomic bitset, so one blocking call can
// wake a thread that is interested in any of several event sources.
//
// Arm(index) is the producer side: it is called by whatever pushes data
// into a delivery queue. Wait is the consumer side: a subscribing thread
// blocks in it until at least one armed index has fired since the last
// time the bitset was drained.
//
// The semaphore is posted exactly once per index transitioning from
// "clear" to "set" (an edge), never once per Arm call: two pushes into the
// same still-nonempty queue before anyone waits must not double-post. This
// is the mechanism layer only: it reports which bits were set at swap
// time, edge-triggered. A consumer that needs a level-triggered read (did
// this source still have data even though its bit already got swapped out
// by an earlier Wait) re-derives that from the source itself, not from
// Notifier (see the root package's WaitSet).
package notify

import (
	"context"
	"sync/atomic"
)

// MaxTriggers is the number of distinct indices a single Notifier can
// multiplex, one per bit of the bitset word.
const MaxTriggers = 63

// destroyBit is the terminal sentinel bit, kept out of the index range
// triggers can occupy.
const destroyBit = uint64(1) << 63

// semaphore is the minimal counting-semaphore contract Notifier needs.
// Wait returns false on context cancellation or deadline expiry without
// having acquired a permit.
type semaphore interface {
	post()
	wait(ctx context.Context) bool
}

// Notifier is a shared (semaphore, atomic bitset) pair. The zero value is
// not usable; construct with New.
type Notifier struct {
	bits *uint64
	sem  semaphore
}

// New builds a Notifier over bits (a shared-memory cell shared by every
// process attaching to the same waitset) and a platform semaphore
// implementation.
func New(bits *uint64, sem semaphore) *Notifier {
	return &Notifier{bits: bits, sem: sem}
}

// Arm sets the bit for index and posts the semaphore if that bit was
// previously clear. index must be in [0, MaxTriggers).
func (n *Notifier) Arm(index int) {
	mask := uint64(1) << uint(index)
	for {
		old := atomic.LoadUint64(n.bits)
		if old&mask != 0 {
			return // already armed; this push is not the empty->nonempty edge
		}
		if atomic.CompareAndSwapUint64(n.bits, old, old|mask) {
			n.sem.post()
			return
		}
	}
}

func orBit(addr *uint64, bit uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old|bit) {
			return
		}
	}
}

// Destroy sets the terminal bit and wakes every current and future Wait
// call. Once destroyed, a Notifier never blocks a Wait again.
func (n *Notifier) Destroy() {
	orBit(n.bits, destroyBit)
	n.sem.post()
}

// Wait blocks until at least one index has been armed since the last swap,
// ctx ends, or the notifier is destroyed. fired is the bitset of indices
// that were set at swap time; destroyed is true if Destroy was ever
// called. A nil ctx waits forever.
func (n *Notifier) Wait(ctx context.Context) (fired uint64, destroyed bool) {
	if atomic.LoadUint64(n.bits)&destroyBit != 0 {
		return 0, true
	}
	if !n.sem.wait(ctx) {
		return 0, atomic.LoadUint64(n.bits)&destroyBit != 0
	}
	swapped := atomic.SwapUint64(n.bits, 0)
	if swapped&destroyBit != 0 {
		// Latch the terminal bit back so every later Wait keeps seeing it.
		orBit(n.bits, destroyBit)
		// Pass the wakeup on to any other Wait still blocked on the semaphore.
		n.sem.post()
		return 0, true
	}
	return swapped, false
}
