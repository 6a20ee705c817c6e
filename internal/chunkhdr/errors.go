package chunkhdr

import "errors"

// ErrRefcountUnderflow signals an invariant violation: a release was
// attempted on a chunk whose refcount was already zero. This can only
// happen from a programming error (double release, or release of a moved-
// out reference that was not actually owned) and must abort the owning
// process rather than be treated as a recoverable error.
var ErrRefcountUnderflow = errors.New("chunkhdr: refcount underflow")
