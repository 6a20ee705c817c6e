package mempool

import "errors"

// ErrPoolEmpty is returned by Get when the free list has no chunks left.
// It is a recoverable loan-time resource exhaustion condition: the caller
// may retry, back off, or drop the sample.
var ErrPoolEmpty = errors.New("mempool: pool empty")
