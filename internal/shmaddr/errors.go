package shmaddr

import "errors"

// Errors returned by Table.Deref and Table.OffsetOf. These are environmental
// faults (§7 of the design): a process that gets one back has a segment
// lifecycle bug, not a recoverable data-path condition.
var (
	ErrOutOfSegment     = errors.New("shmaddr: address out of segment")
	ErrUnknownSegment   = errors.New("shmaddr: segment not attached in this process")
	ErrAddressNotMapped = errors.New("shmaddr: address does not fall within any mapped segment")
)
