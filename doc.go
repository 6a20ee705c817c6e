// Package zcipc implements a zero-copy, shared-memory publish/subscribe
// runtime for cooperating processes on one host. Publishers loan chunks
// out of shared-memory pools and push references to them onto each
// subscriber's delivery queue; subscribers read the chunk in place and
// release it when done. A broker process (see cmd/roudi) performs
// discovery and memory provisioning and never sits on the data path.
//
// The data path (Loan, Publish, TryGetChunk, Release) is lock-free and
// never blocks. The only blocking call on the subscriber side is
// WaitSet.Wait.
package zcipc
