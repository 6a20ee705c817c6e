// Package chunkhdr implements the fixed on-wire chunk header that prefixes
// every chunk in a mempool, and the lock-free reference-count operations
// that govern a chunk's lifetime.
//
// Layout (48 bytes, all fields 8-byte aligned or padded to be):
//
//	refcount            4B  atomic
//	(padding)           4B
//	originPoolOffset    8B  byte offset of the owning pool's descriptor,
//	                        within the same segment as this chunk
//	payloadSize         4B
//	userHeaderSize      4B
//	sequence            8B
//	publisherID         8B
//	reserved            8B
package chunkhdr

import (
	"sync/atomic"
	"unsafe"
)

// Header is the struct overlaid directly onto the first 48 bytes of a chunk.
// Every field except refcount is written once by the loaning publisher
// before the chunk is handed to any other holder, so only refcount needs
// atomic access.
type Header struct {
	refcount         uint32
	_                uint32
	originPoolOffset uint64
	payloadSize      uint32
	userHeaderSize   uint32
	sequence         uint64
	publisherID      uint64
	reserved         uint64
}

// Size is the header's footprint in bytes, also the payload's start offset
// relative to the chunk base when there is no user header.
const Size = unsafe.Sizeof(Header{})

// At overlays a Header onto base, which must point at the start of a chunk.
func At(base unsafe.Pointer) *Header {
	return (*Header)(base)
}

// Payload returns the byte slice of length n starting right after the
// header and any user header, i.e. at base+Size+userHeaderSize.
func (h *Header) Payload() []byte {
	base := unsafe.Add(unsafe.Pointer(h), Size+uintptr(h.userHeaderSize))
	return unsafe.Slice((*byte)(base), int(h.payloadSize))
}

// UserHeader returns the byte slice of the optional user header, sitting
// between the chunk header and the payload.
func (h *Header) UserHeader() []byte {
	if h.userHeaderSize == 0 {
		return nil
	}
	base := unsafe.Add(unsafe.Pointer(h), Size)
	return unsafe.Slice((*byte)(base), int(h.userHeaderSize))
}

// Init stamps a freshly-loaned chunk's immutable fields and sets refcount
// to 1, representing the loaning publisher's own reference. Must only be
// called on a chunk that is not reachable from any other holder yet.
func (h *Header) Init(originPoolOffset uint64, payloadSize, userHeaderSize uint32, sequence, publisherID uint64) {
	h.originPoolOffset = originPoolOffset
	h.payloadSize = payloadSize
	h.userHeaderSize = userHeaderSize
	h.sequence = sequence
	h.publisherID = publisherID
	atomic.StoreUint32(&h.refcount, 1)
}

// Refcount returns the current reference count.
func (h *Header) Refcount() uint32 {
	return atomic.LoadUint32(&h.refcount)
}

// OriginPoolOffset returns the byte offset, within the chunk's own segment,
// of the pool descriptor this chunk was carved from.
func (h *Header) OriginPoolOffset() uint64 {
	return h.originPoolOffset
}

// PayloadSize returns the payload length in bytes.
func (h *Header) PayloadSize() uint32 {
	return h.payloadSize
}

// Sequence returns the publisher-local sequence number stamped at loan time.
func (h *Header) Sequence() uint64 {
	return h.sequence
}

// PublisherID returns the id of the publisher that loaned this chunk.
func (h *Header) PublisherID() uint64 {
	return h.publisherID
}

// Acquire adds one reference, for a holder duplicating an existing
// reference (e.g. history cache retaining a copy already enqueued to a
// subscriber). The caller must already hold a valid reference; this never
// creates a reference out of nothing.
func (h *Header) Acquire() uint32 {
	return atomic.AddUint32(&h.refcount, 1)
}

// Release drops one reference. It returns last=true when this was the final
// release, meaning the caller is now responsible for returning the chunk to
// its origin pool. Releasing an already-free chunk (refcount already 0) is
// the REFCOUNT_UNDERFLOW invariant violation and is reported, not panicked
// on directly, so the caller can decide how to terminate the process.
func (h *Header) Release() (last bool, err error) {
	for {
		cur := atomic.LoadUint32(&h.refcount)
		if cur == 0 {
			return false, ErrRefcountUnderflow
		}
		if atomic.CompareAndSwapUint32(&h.refcount, cur, cur-1) {
			if cur == 1 {
				// Acquire fence: serialize against the writes this release
				// is the last reader of, before the chunk is recycled.
				atomic.LoadUint32(&h.refcount)
				return true, nil
			}
			return false, nil
		}
	}
}
