package zcipc

import "testing"

func loanPtr(t *testing.T, seg *Segment, pool *Pool, seq uint64) (chunk *Chunk) {
	t.Helper()
	raw, err := pool.loan(8, 0, seq, 1)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	ptr, err := seg.OffsetOf(raw)
	if err != nil {
		t.Fatalf("OffsetOf: %v", err)
	}
	c, err := seg.ResolveChunk(ptr)
	if err != nil {
		t.Fatalf("ResolveChunk: %v", err)
	}
	return c
}

func TestHistoryCacheReplayReturnsNewestOldestFirst(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 32, ChunkCount: 8}})
	pool := seg.Pools()[0]
	h := NewHistoryCache(seg, 3)

	for i := uint64(1); i <= 4; i++ {
		c := loanPtr(t, seg, pool, i)
		c.Acquire() // history's own reference, mirroring Publish's step 1
		h.Push(c.Ptr())
		c.Release() // drop the loan reference, as Publish does afterward
	}

	if h.Len() != 3 {
		t.Fatalf("expected 3 retained entries, got %d", h.Len())
	}

	replayed := h.Replay(2)
	if len(replayed) != 2 {
		t.Fatalf("expected 2 replayed entries, got %d", len(replayed))
	}
	first, err := seg.ResolveChunk(replayed[0])
	if err != nil {
		t.Fatalf("ResolveChunk: %v", err)
	}
	second, err := seg.ResolveChunk(replayed[1])
	if err != nil {
		t.Fatalf("ResolveChunk: %v", err)
	}
	if first.Sequence() != 3 || second.Sequence() != 4 {
		t.Fatalf("expected sequences 3,4 oldest-first, got %d,%d", first.Sequence(), second.Sequence())
	}
}

func TestHistoryCacheEvictsOldestAtCapacity(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 32, ChunkCount: 8}})
	pool := seg.Pools()[0]
	h := NewHistoryCache(seg, 2)

	for i := uint64(1); i <= 3; i++ {
		c := loanPtr(t, seg, pool, i)
		c.Acquire()
		h.Push(c.Ptr())
		c.Release()
	}

	if pool.UsedChunks() != 2 {
		t.Fatalf("expected exactly 2 chunks still held by history, got %d", pool.UsedChunks())
	}
}

func TestHistoryCacheZeroCapacityReleasesImmediately(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 32, ChunkCount: 8}})
	pool := seg.Pools()[0]
	h := NewHistoryCache(seg, 0)

	c := loanPtr(t, seg, pool, 1)
	c.Acquire()
	h.Push(c.Ptr())
	c.Release()

	if h.Len() != 0 {
		t.Fatalf("expected a zero-capacity history to retain nothing, got %d entries", h.Len())
	}
	if pool.UsedChunks() != 0 {
		t.Fatalf("expected the chunk fully released, used=%d", pool.UsedChunks())
	}
}
