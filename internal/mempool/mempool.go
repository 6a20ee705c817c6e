// Package mempool implements the lock-free, fixed-size chunk pool that
// backs a segment's chunk arrays.
//
// The free list is a Treiber-style LIFO stack. The head is packed into a
// single 64-bit word (a 32-bit monotonic tag in the high bits and a
// 32-bit chunk index in the low bits), so a single-word CAS is enough to
// prevent the ABA problem without a double-width compare-and-swap. Free
// chunks store the index of the next free chunk in their own first four
// bytes; a chunk's memory is only ever read as a free-list link while its
// refcount is zero, so this never races with a live header.
package mempool

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

const emptyIndex = 0xFFFFFFFF

func pack(tag, index uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

func unpack(v uint64) (tag, index uint32) {
	return uint32(v >> 32), uint32(v)
}

// Pool is a fixed-size free list inside a segment. A Pool does not own the
// memory it manages; Init is given a pointer to an already-mapped chunk
// array and writes the pool's bookkeeping directly into it.
type Pool struct {
	chunkSize  uintptr
	chunkCount uint64
	base       unsafe.Pointer
	head       *uint64
	used       atomic.Int64
	highWater  atomic.Int64
}

// Init lays out a fresh free list of chunkCount chunks of chunkSize bytes
// starting at base, using head (part of the pool descriptor, outside the
// chunk array proper, see the freelist_head field in the shared memory
// layout) as the tagged stack pointer. chunkSize must already be 8-byte
// aligned; Init does not round it.
//
// Init is a control-path operation, called once by the segment owner
// (the broker) before any getChunk/freeChunk call is possible; it is not
// itself safe to race against concurrent use.
func Init(head *uint64, base unsafe.Pointer, chunkSize uintptr, chunkCount uint64) *Pool {
	p := &Pool{
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		base:       base,
		head:       head,
	}
	for i := uint64(0); i < chunkCount; i++ {
		next := uint32(i + 1)
		if i+1 >= chunkCount {
			next = emptyIndex
		}
		*(*uint32)(p.chunkAtUnchecked(i)) = next
	}
	atomic.StoreUint64(p.head, pack(0, 0))
	return p
}

// Attach builds a Pool handle over an already-initialized region, for a
// process attaching to a segment it did not create.
func Attach(head *uint64, base unsafe.Pointer, chunkSize uintptr, chunkCount uint64) *Pool {
	return &Pool{
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		base:       base,
		head:       head,
	}
}

func (p *Pool) chunkAtUnchecked(idx uint64) unsafe.Pointer {
	return unsafe.Add(p.base, uintptr(idx)*p.chunkSize)
}

// ChunkAt returns the address of chunk idx, or nil if idx is out of range.
func (p *Pool) ChunkAt(idx uint64) unsafe.Pointer {
	if idx >= p.chunkCount {
		return nil
	}
	return p.chunkAtUnchecked(idx)
}

// IndexOf returns the chunk index of ptr if it lies within this pool's
// chunk array, and ok=false otherwise.
func (p *Pool) IndexOf(ptr unsafe.Pointer) (idx uint64, ok bool) {
	off := uintptr(ptr) - uintptr(p.base)
	if off%p.chunkSize != 0 {
		return 0, false
	}
	idx = uint64(off / p.chunkSize)
	if idx >= p.chunkCount {
		return 0, false
	}
	return idx, true
}

// ChunkSize returns the configured chunk size in bytes.
func (p *Pool) ChunkSize() uintptr { return p.chunkSize }

// ChunkCount returns the total number of chunks managed by this pool.
func (p *Pool) ChunkCount() uint64 { return p.chunkCount }

// UsedChunks returns the number of chunks currently checked out.
func (p *Pool) UsedChunks() int64 { return p.used.Load() }

// HighWaterMark returns the largest number of simultaneously checked-out
// chunks observed since the pool was created.
func (p *Pool) HighWaterMark() int64 { return p.highWater.Load() }

// Get pops a chunk off the free list. It is lock-free and wait-free under
// free capacity: a CAS failure means another getter or putter won the race
// and is retried immediately, never blocking.
func (p *Pool) Get() (unsafe.Pointer, error) {
	for {
		cur := atomic.LoadUint64(p.head)
		tag, idx := unpack(cur)
		if idx == emptyIndex {
			return nil, ErrPoolEmpty
		}
		next := *(*uint32)(p.chunkAtUnchecked(uint64(idx)))
		newHead := pack(tag+1, next)
		if atomic.CompareAndSwapUint64(p.head, cur, newHead) {
			used := p.used.Add(1)
			for {
				hw := p.highWater.Load()
				if used <= hw || p.highWater.CompareAndSwap(hw, used) {
					break
				}
			}
			return p.chunkAtUnchecked(uint64(idx)), nil
		}
		runtime.Gosched()
	}
}

// Put pushes ptr back onto the free list. ptr must be a chunk address
// previously returned by Get on this exact Pool; callers are expected to
// have already verified chunk ownership (origin_pool) before calling Put,
// since a foreign pointer here corrupts the free list.
func (p *Pool) Put(ptr unsafe.Pointer) {
	idx, ok := p.IndexOf(ptr)
	if !ok {
		panic("mempool: Put called with a pointer outside this pool")
	}
	for {
		cur := atomic.LoadUint64(p.head)
		tag, headIdx := unpack(cur)
		*(*uint32)(p.chunkAtUnchecked(idx)) = headIdx
		newHead := pack(tag+1, uint32(idx))
		if atomic.CompareAndSwapUint64(p.head, cur, newHead) {
			p.used.Add(-1)
			return
		}
		runtime.Gosched()
	}
}
