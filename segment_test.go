package zcipc

import (
	"errors"
	"testing"
)

func TestPoolForSizeChoosesSmallestFit(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{
		{ChunkSize: 64, ChunkCount: 4},
		{ChunkSize: 256, ChunkCount: 4},
		{ChunkSize: 1024, ChunkCount: 4},
	})

	p, err := seg.PoolForSize(100)
	if err != nil {
		t.Fatalf("PoolForSize: %v", err)
	}
	if p.ChunkSize() != 256 {
		t.Fatalf("expected the 256-byte pool, got %d", p.ChunkSize())
	}
}

func TestPoolForSizeFailsWhenNoPoolFits(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 64, ChunkCount: 4}})
	if _, err := seg.PoolForSize(128); !errors.Is(err, ErrNoPoolFitsSize) {
		t.Fatalf("expected ErrNoPoolFitsSize, got %v", err)
	}
}

func TestOffsetOfRoundTrip(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 64, ChunkCount: 4}})
	pool := seg.Pools()[0]

	raw, err := pool.loan(32, 0, 1, 99)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	ptr, err := seg.OffsetOf(raw)
	if err != nil {
		t.Fatalf("OffsetOf: %v", err)
	}

	chunk, err := seg.ResolveChunk(ptr)
	if err != nil {
		t.Fatalf("ResolveChunk: %v", err)
	}
	if chunk.raw != raw {
		t.Fatalf("expected ResolveChunk to recover the loaned address")
	}
	chunk.Release()
}

func TestPoolConservationAcrossLoanRelease(t *testing.T) {
	const chunkCount = 8
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 64, ChunkCount: chunkCount}})
	pool := seg.Pools()[0]

	var chunks []*Chunk
	for i := 0; i < chunkCount; i++ {
		raw, err := pool.loan(32, 0, uint64(i), 1)
		if err != nil {
			t.Fatalf("loan %d: %v", i, err)
		}
		ptr, err := seg.OffsetOf(raw)
		if err != nil {
			t.Fatalf("OffsetOf: %v", err)
		}
		c, err := seg.ResolveChunk(ptr)
		if err != nil {
			t.Fatalf("ResolveChunk: %v", err)
		}
		chunks = append(chunks, c)
	}
	if pool.UsedChunks() != chunkCount {
		t.Fatalf("expected %d used chunks, got %d", chunkCount, pool.UsedChunks())
	}
	for _, c := range chunks {
		c.Release()
	}
	if pool.UsedChunks() != 0 {
		t.Fatalf("expected 0 used chunks after releasing all, got %d", pool.UsedChunks())
	}
}
