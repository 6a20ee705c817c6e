// Package shmaddr implements the process-local address space that makes raw
// shared-memory pointers relocatable across processes.
//
// Every in-shm data structure stores a (segment-id, offset) pair rather than
// a virtual address. A pair only becomes a usable pointer inside the process
// that mapped the segment; Deref and OffsetOf are the two functions that
// cross that boundary.
package shmaddr

import (
	"fmt"
	"sync"
	"unsafe"
)

// ID identifies a segment within the calling process's mapping table. It is
// the integer index the process assigned to the segment on attach, not a
// value shared across processes.
type ID uint32

// Pointer is a (segment, offset) pair. Equality and ordering are defined on
// this pair, never on the virtual address it happens to resolve to in a
// given process.
type Pointer struct {
	Segment ID
	Offset  uintptr
}

// Nil is the null pointer, used the way a nil pointer is used for raw
// pointers: it never resolves to a valid address. It is not the zero
// value of Pointer: its segment id is all ones.
var Nil = Pointer{Segment: ^ID(0), Offset: 0}

// IsNil reports whether p is the nil pointer.
func (p Pointer) IsNil() bool {
	return p == Nil
}

// Less orders pointers by segment first, then offset. Defined so pointer
// sets can be kept in a deterministic order for diagnostics; the data path
// never needs an ordering.
func (p Pointer) Less(o Pointer) bool {
	if p.Segment != o.Segment {
		return p.Segment < o.Segment
	}
	return p.Offset < o.Offset
}

func (p Pointer) String() string {
	return fmt.Sprintf("%d:%#x", p.Segment, p.Offset)
}

// mapping records where one segment landed in this process's address space.
type mapping struct {
	base unsafe.Pointer
	size uintptr
}

// Table is the per-process registry of mapped segments. A Segment attaches
// itself to exactly one Table; the broker and every client process each own
// their own instance, not a package-level global, so tests can run many
// simulated "processes" in one Go process without cross-talk.
type Table struct {
	mu   sync.RWMutex
	segs map[ID]mapping
	next ID
}

// NewTable creates an empty segment table.
func NewTable() *Table {
	return &Table{segs: make(map[ID]mapping)}
}

// Attach registers a mapped region and returns the ID assigned to it. The
// ID is only meaningful within this Table.
func (t *Table) Attach(base unsafe.Pointer, size uintptr) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.segs[id] = mapping{base: base, size: size}
	return id
}

// Detach removes a segment from the table. Any Pointer still referencing it
// becomes permanently undereferenceable; callers are responsible for making
// sure nothing holds one across Detach.
func (t *Table) Detach(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.segs, id)
}

// Deref resolves p to a raw pointer in this process. It fails with
// ErrOutOfSegment if the offset does not fall within the segment's mapped
// size, and ErrUnknownSegment if the segment id is not attached here.
func (t *Table) Deref(p Pointer) (unsafe.Pointer, error) {
	t.mu.RLock()
	m, ok := t.segs[p.Segment]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSegment
	}
	if p.Offset >= m.size {
		return nil, ErrOutOfSegment
	}
	return unsafe.Add(m.base, p.Offset), nil
}

// OffsetOf finds which segment raw falls inside and returns the equivalent
// Pointer. The table is small (one entry per attached segment per process)
// so a linear scan over segs is acceptable; callers on a hot path should
// keep a Hint instead of calling this repeatedly.
func (t *Table) OffsetOf(raw unsafe.Pointer) (Pointer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, m := range t.segs {
		start := uintptr(m.base)
		addr := uintptr(raw)
		if addr >= start && addr < start+m.size {
			return Pointer{Segment: id, Offset: addr - start}, nil
		}
	}
	return Pointer{}, ErrAddressNotMapped
}

// Hint is a one-slot cache for OffsetOf, meant to be held at the call site
// that repeatedly resolves raw addresses back into the same segment (the
// publisher's loan path does this for every loaned chunk). A hit avoids the table
// scan entirely; a miss falls back to Table.OffsetOf and refreshes the hint.
type Hint struct {
	id    ID
	base  uintptr
	size  uintptr
	valid bool
}

// OffsetOf resolves raw using the cached segment first, falling back to a
// full table lookup on a miss.
func (h *Hint) OffsetOf(t *Table, raw unsafe.Pointer) (Pointer, error) {
	addr := uintptr(raw)
	if h.valid && addr >= h.base && addr < h.base+h.size {
		return Pointer{Segment: h.id, Offset: addr - h.base}, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, m := range t.segs {
		start := uintptr(m.base)
		if addr >= start && addr < start+m.size {
			h.id, h.base, h.size, h.valid = id, start, m.size, true
			return Pointer{Segment: id, Offset: addr - start}, nil
		}
	}
	return Pointer{}, ErrAddressNotMapped
}
