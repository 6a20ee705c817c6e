// Package shm creates and opens named shared-memory segments backed by
// /dev/shm, mapped with golang.org/x/sys/unix. A segment created by one
// process (the broker, provisioning a pool segment or a discovery
// channel) is opened by name from every other process that attaches to
// it; the segment's own header (see the zcipc package) carries everything
// a later attacher needs to know about its internal layout.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAlreadyExists is returned by Create when a segment of the same name
// is already present.
var ErrAlreadyExists = errors.New("shm: segment already exists")

// ErrNotFound is returned by Open when no segment of that name exists.
var ErrNotFound = errors.New("shm: segment not found")

// Segment is a live mapping of a named shared-memory region.
type Segment struct {
	name string
	path string
	file *os.File
	data []byte
}

func segmentPath(name string) string {
	dir := "/dev/shm"
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "zcipc."+name)
}

// Create allocates a fresh segment of exactly size bytes and maps it
// read-write. The caller owns the segment's lifetime and should Unlink it
// when the broker that provisioned it shuts down.
func Create(name string, size int) (*Segment, error) {
	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("shm: create %s: %w", name, err)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", name, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, path: path, file: file, data: data}, nil
}

// Open maps an existing segment by name. size must match the size it was
// created with; a mismatched size is a caller bug, not something this
// package can detect from the file alone without racing the creator's
// truncate.
func Open(name string, size int) (*Segment, error) {
	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", name, err)
	}

	return &Segment{name: name, path: path, file: file, data: data}, nil
}

// Name returns the segment's name, as passed to Create or Open.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Base returns a pointer to the first byte of the mapping. It stays
// valid until Close.
func (s *Segment) Base() unsafe.Pointer {
	return unsafe.Pointer(&s.data[0])
}

// Bytes exposes the mapping as a byte slice, for callers that want
// bounds-checked access instead of raw pointer arithmetic.
func (s *Segment) Bytes() []byte { return s.data }

// Close unmaps the segment and closes its file descriptor. It does not
// remove the backing file; call Unlink for that.
func (s *Segment) Close() error {
	var errs []error
	if err := unix.Munmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("shm: munmap %s: %w", s.name, err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("shm: close %s: %w", s.name, err))
	}
	return errors.Join(errs...)
}

// Unlink removes the backing file. Only the process that provisioned the
// segment should call it, and only once every other attacher is known to
// have exited.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shm: unlink %s: %w", s.name, err)
	}
	return nil
}
