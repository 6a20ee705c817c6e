package zcipc

import (
	"fmt"
	"unsafe"

	"github.com/tobiasstarkwayve/zcipc/internal/chunkhdr"
	"github.com/tobiasstarkwayve/zcipc/internal/mempool"
	"github.com/tobiasstarkwayve/zcipc/internal/shm"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

const segmentMagic uint32 = 0x5a434950 // "ZCIP"
const segmentVersion uint32 = 1

// segmentHeader is the fixed 64-byte block at the base of every segment.
type segmentHeader struct {
	magic      uint32
	version    uint32
	segmentID  uint32
	flags      uint32
	poolCount  uint32
	reserved   [44]byte
}

// poolDescriptor is one entry of the pool-descriptor table immediately
// following the segment header. freelistHead is the pool's Treiber-stack
// head, packed tag+index in a single 64-bit word rather than the
// source's double-width tagged pointer: an intentional wire-format
// departure from the documented 16-byte freelist_head layout (see
// DESIGN.md), not an oversight.
type poolDescriptor struct {
	chunkSize        uint32
	chunkCount       uint32
	chunkArrayOffset uint64
	freelistHead     uint64
}

const poolDescriptorSize = unsafe.Sizeof(poolDescriptor{})

// PoolSpec configures one chunk pool at segment creation time.
type PoolSpec struct {
	// ChunkSize is the payload capacity in bytes, not counting the chunk
	// header or any user header.
	ChunkSize uint32
	ChunkCount uint32
}

// Pool is one fixed-size chunk pool inside a Segment.
type Pool struct {
	chunkSize  uint32
	slotSize   uintptr
	base       unsafe.Pointer
	descOffset uint64
	pool       *mempool.Pool
}

func roundUp8(v uintptr) uintptr { return (v + 7) &^ 7 }

func slotSize(chunkSize uint32) uintptr {
	return roundUp8(chunkhdr.Size + uintptr(chunkSize))
}

// ChunkSize returns the pool's configured payload capacity.
func (p *Pool) ChunkSize() uint32 { return p.chunkSize }

// UsedChunks returns the number of chunks currently checked out.
func (p *Pool) UsedChunks() int64 { return p.pool.UsedChunks() }

// HighWaterMark returns the largest number of simultaneously checked-out
// chunks observed since the pool was created.
func (p *Pool) HighWaterMark() int64 { return p.pool.HighWaterMark() }

func (p *Pool) contains(raw unsafe.Pointer) bool {
	off := uintptr(raw) - uintptr(p.base)
	return off < p.slotSize*uintptr(p.pool.ChunkCount())
}

// loan checks out a raw slot and stamps a fresh chunk header into it.
func (p *Pool) loan(payloadSize, userHeaderSize uint32, sequence, publisherID uint64) (unsafe.Pointer, error) {
	raw, err := p.pool.Get()
	if err != nil {
		return nil, fmt.Errorf("loan: %w: %v", ErrPoolEmpty, err)
	}
	chunkhdr.At(raw).Init(p.descOffset, payloadSize, userHeaderSize, sequence, publisherID)
	return raw, nil
}

func (p *Pool) free(raw unsafe.Pointer) {
	p.pool.Put(raw)
}

// Segment is a named shared-memory region carved into one or more chunk
// pools, per the pool specs given to CreateSegment. Segments never
// resize after creation.
type Segment struct {
	shm    *shm.Segment
	table  *shmaddr.Table
	segID  shmaddr.ID
	hdr    *segmentHeader
	pools  []*Pool
}

func segmentLayoutSize(specs []PoolSpec) uintptr {
	size := unsafe.Sizeof(segmentHeader{}) + poolDescriptorSize*uintptr(len(specs))
	for _, s := range specs {
		size += slotSize(s.ChunkSize) * uintptr(s.ChunkCount)
	}
	return size
}

// CreateSegment provisions a fresh named segment with the given pools.
// Only the broker calls this.
func CreateSegment(table *shmaddr.Table, name string, segmentID uint32, specs []PoolSpec) (*Segment, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("zcipc: CreateSegment %s: at least one pool is required", name)
	}
	size := segmentLayoutSize(specs)
	raw, err := shm.Create(name, int(size))
	if err != nil {
		return nil, newError(ErrCodeSegmentUnavailable, "CreateSegment", err)
	}

	base := raw.Base()
	hdr := (*segmentHeader)(base)
	hdr.magic = segmentMagic
	hdr.version = segmentVersion
	hdr.segmentID = segmentID
	hdr.poolCount = uint32(len(specs))

	descTable := unsafe.Add(base, unsafe.Sizeof(segmentHeader{}))
	chunkAreaOffset := unsafe.Sizeof(segmentHeader{}) + poolDescriptorSize*uintptr(len(specs))

	pools := make([]*Pool, len(specs))
	for i, spec := range specs {
		descOffset := unsafe.Sizeof(segmentHeader{}) + poolDescriptorSize*uintptr(i)
		pd := (*poolDescriptor)(unsafe.Add(descTable, poolDescriptorSize*uintptr(i)))
		pd.chunkSize = spec.ChunkSize
		pd.chunkCount = spec.ChunkCount
		pd.chunkArrayOffset = uint64(chunkAreaOffset)

		chunkArrayBase := unsafe.Add(base, chunkAreaOffset)
		ss := slotSize(spec.ChunkSize)
		mp := mempool.Init(&pd.freelistHead, chunkArrayBase, ss, uint64(spec.ChunkCount))
		pools[i] = &Pool{chunkSize: spec.ChunkSize, slotSize: ss, base: chunkArrayBase, descOffset: uint64(descOffset), pool: mp}

		chunkAreaOffset += ss * uintptr(spec.ChunkCount)
	}

	id := table.Attach(base, size)
	return &Segment{shm: raw, table: table, segID: id, hdr: hdr, pools: pools}, nil
}

// AttachSegment maps an existing named segment and rebuilds its pool
// handles from the on-disk descriptor table.
func AttachSegment(table *shmaddr.Table, name string) (*Segment, error) {
	// The header must be read at its known fixed size before the full
	// size (header + descriptors + chunk arrays) is known, so Open the
	// header-only span first.
	probe, err := shm.Open(name, int(unsafe.Sizeof(segmentHeader{})))
	if err != nil {
		return nil, newError(ErrCodeSegmentUnavailable, "AttachSegment", err)
	}
	hdrProbe := (*segmentHeader)(probe.Base())
	if hdrProbe.magic != segmentMagic {
		probe.Close()
		return nil, newError(ErrCodeSegmentUnavailable, "AttachSegment", fmt.Errorf("bad magic in segment %s", name))
	}
	poolCount := hdrProbe.poolCount
	probe.Close()

	// specs are not yet known; re-open at a size large enough to read the
	// descriptor table, then re-open once more at the true full size.
	descSpan := int(unsafe.Sizeof(segmentHeader{}) + poolDescriptorSize*uintptr(poolCount))
	probe2, err := shm.Open(name, descSpan)
	if err != nil {
		return nil, newError(ErrCodeSegmentUnavailable, "AttachSegment", err)
	}
	descTable := unsafe.Add(probe2.Base(), unsafe.Sizeof(segmentHeader{}))
	specs := make([]PoolSpec, poolCount)
	var total uintptr
	for i := uint32(0); i < poolCount; i++ {
		pd := (*poolDescriptor)(unsafe.Add(descTable, poolDescriptorSize*uintptr(i)))
		specs[i] = PoolSpec{ChunkSize: pd.chunkSize, ChunkCount: pd.chunkCount}
		total += slotSize(pd.chunkSize) * uintptr(pd.chunkCount)
	}
	probe2.Close()

	fullSize := int(unsafe.Sizeof(segmentHeader{})) + int(poolDescriptorSize)*int(poolCount) + int(total)
	raw, err := shm.Open(name, fullSize)
	if err != nil {
		return nil, newError(ErrCodeSegmentUnavailable, "AttachSegment", err)
	}

	base := raw.Base()
	hdr := (*segmentHeader)(base)
	descTable = unsafe.Add(base, unsafe.Sizeof(segmentHeader{}))

	pools := make([]*Pool, poolCount)
	for i := uint32(0); i < poolCount; i++ {
		descOffset := unsafe.Sizeof(segmentHeader{}) + poolDescriptorSize*uintptr(i)
		pd := (*poolDescriptor)(unsafe.Add(descTable, poolDescriptorSize*uintptr(i)))
		chunkArrayBase := unsafe.Add(base, pd.chunkArrayOffset)
		ss := slotSize(pd.chunkSize)
		mp := mempool.Attach(&pd.freelistHead, chunkArrayBase, ss, uint64(pd.chunkCount))
		pools[i] = &Pool{chunkSize: pd.chunkSize, slotSize: ss, base: chunkArrayBase, descOffset: uint64(descOffset), pool: mp}
	}

	id := table.Attach(base, uintptr(fullSize))
	return &Segment{shm: raw, table: table, segID: id, hdr: hdr, pools: pools}, nil
}

// PoolForSize returns the smallest pool whose ChunkSize is >= size,
// breaking ties by configuration order.
func (s *Segment) PoolForSize(size uint32) (*Pool, error) {
	var best *Pool
	for _, p := range s.pools {
		if p.chunkSize < size {
			continue
		}
		if best == nil || p.chunkSize < best.chunkSize {
			best = p
		}
	}
	if best == nil {
		return nil, newError(ErrCodeNoPoolFitsSize, "PoolForSize", ErrNoPoolFitsSize)
	}
	return best, nil
}

// Pools returns every pool configured in this segment, in configuration
// order.
func (s *Segment) Pools() []*Pool { return s.pools }

// ResolveChunk translates a wire-format chunk pointer into a local
// *Chunk, locating the pool it belongs to by address range. A pointer
// that does not land inside any pool's chunk array indicates corruption
// and is fatal.
func (s *Segment) ResolveChunk(ptr shmaddr.Pointer) (*Chunk, error) {
	raw, err := s.table.Deref(ptr)
	if err != nil {
		fatal(ErrCodeAddressOutOfSegment, "ResolveChunk", err)
	}
	for _, p := range s.pools {
		if !p.contains(raw) {
			continue
		}
		hdr := chunkhdr.At(raw)
		if hdr.OriginPoolOffset() != p.descOffset {
			fatal(ErrCodePoolMismatch, "ResolveChunk", fmt.Errorf("chunk's origin_pool_offset %#x does not match containing pool's descriptor offset %#x", hdr.OriginPoolOffset(), p.descOffset))
		}
		return &Chunk{hdr: hdr, raw: raw, pool: p, ptr: ptr}, nil
	}
	fatal(ErrCodePoolMismatch, "ResolveChunk", fmt.Errorf("address does not belong to any pool in this segment"))
	return nil, nil // unreachable: fatal never returns
}

// OffsetOf converts a local pointer inside this segment's mapping back
// into a wire-format chunk pointer.
func (s *Segment) OffsetOf(raw unsafe.Pointer) (shmaddr.Pointer, error) {
	return s.table.OffsetOf(raw)
}

// OffsetOfHint is OffsetOf, but consulting hint first. A publisher
// looping over Loan calls for the same segment keeps its own Hint and
// passes it here to skip the table's linear scan on every loan.
func (s *Segment) OffsetOfHint(hint *shmaddr.Hint, raw unsafe.Pointer) (shmaddr.Pointer, error) {
	return hint.OffsetOf(s.table, raw)
}

// Close detaches this process's mapping of the segment. It does not
// remove the backing file.
func (s *Segment) Close() error {
	s.table.Detach(s.segID)
	return s.shm.Close()
}

// Unlink removes the segment's backing file. Only the broker, which
// provisioned it, should call this, and only after every other process
// has detached.
func (s *Segment) Unlink() error {
	return s.shm.Unlink()
}
