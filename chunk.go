package zcipc

import (
	"unsafe"

	"github.com/tobiasstarkwayve/zcipc/internal/chunkhdr"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// Chunk is a loaned reference to one chunk inside a Segment's pool. A
// Chunk is only valid within the process that resolved or loaned it;
// sending a chunk to another process means sending its shmaddr.Pointer
// and letting that process call Segment.ResolveChunk.
type Chunk struct {
	hdr  *chunkhdr.Header
	raw  unsafe.Pointer
	pool *Pool
	ptr  shmaddr.Pointer
}

// Ptr returns the wire-format pointer for this chunk, suitable for
// placing on a delivery queue or history cache.
func (c *Chunk) Ptr() shmaddr.Pointer { return c.ptr }

// Payload returns the chunk's writable payload region.
func (c *Chunk) Payload() []byte { return c.hdr.Payload() }

// UserHeader returns the chunk's optional user header region.
func (c *Chunk) UserHeader() []byte { return c.hdr.UserHeader() }

// Sequence returns the publisher-local sequence number stamped at loan
// time.
func (c *Chunk) Sequence() uint64 { return c.hdr.Sequence() }

// PublisherID returns the id of the publisher that loaned this chunk.
func (c *Chunk) PublisherID() uint64 { return c.hdr.PublisherID() }

// Acquire adds a reference on top of one the caller already holds, for a
// holder that needs to retain a copy beyond handing the existing
// reference off elsewhere (the history cache does this when it keeps a
// chunk already queued to a subscriber).
func (c *Chunk) Acquire() {
	c.hdr.Acquire()
}

// Release drops one reference. When it is the last reference, the chunk
// is returned to its origin pool in this process's mapping. A release of
// an already-free chunk is a REFCOUNT_UNDERFLOW invariant violation and
// terminates the process.
func (c *Chunk) Release() {
	last, err := c.hdr.Release()
	if err != nil {
		fatal(ErrCodeRefcountUnderflow, "Chunk.Release", err)
		return
	}
	if last {
		c.pool.free(c.raw)
	}
}
