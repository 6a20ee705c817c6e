package zcipc

import (
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// HistoryCache is the ring of the last N published chunk references a
// publisher port retains for late-joiner replay. It holds its own
// reference on every chunk it stores, released when the entry is
// evicted or the cache itself is torn down.
type HistoryCache struct {
	mu       sync.Mutex
	seg      *Segment
	capacity int
	entries  []shmaddr.Pointer
}

// NewHistoryCache builds an empty cache bounded to capacity entries. A
// capacity of 0 disables history entirely: Push still accepts chunks (so
// callers don't need to branch on history being enabled) but never
// retains anything.
func NewHistoryCache(seg *Segment, capacity int) *HistoryCache {
	return &HistoryCache{seg: seg, capacity: capacity}
}

// Push installs ptr into the cache, evicting and releasing the oldest
// entry if the cache is already at capacity. The caller must have
// already acquired a reference on the chunk on the cache's behalf.
func (h *HistoryCache) Push(ptr shmaddr.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.capacity == 0 {
		h.releaseLocked(ptr)
		return
	}
	if len(h.entries) >= h.capacity {
		oldest := h.entries[0]
		h.entries = h.entries[1:]
		h.releaseLocked(oldest)
	}
	h.entries = append(h.entries, ptr)
}

func (h *HistoryCache) releaseLocked(ptr shmaddr.Pointer) {
	chunk, err := h.seg.ResolveChunk(ptr)
	if err != nil {
		return
	}
	chunk.Release()
}

// Len returns the number of entries currently retained.
func (h *HistoryCache) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Replay returns the newest min(n, Len()) entries, oldest first, for a
// newly acked subscriber. Replay does not acquire references on the
// caller's behalf; the caller must Acquire each entry before handing it
// to the subscriber's queue, exactly as a live publish does.
func (h *HistoryCache) Replay(n uint32) []shmaddr.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n == 0 || len(h.entries) == 0 {
		return nil
	}
	count := int(n)
	if count > len(h.entries) {
		count = len(h.entries)
	}
	start := len(h.entries) - count
	out := make([]shmaddr.Pointer, count)
	copy(out, h.entries[start:])
	return out
}
