//go:build linux && (amd64 || arm64)

package notify

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// FUTEX_PRIVATE_FLAG tells the kernel the futex word is only ever
// touched by threads of this process, which is true today since
// NewFutexSemaphore is only ever wired in-process. Drop it (use
// FUTEX_WAIT/FUTEX_WAKE without the flag) the day this cell actually
// lives in a segment another process maps.
const (
	futexWaitPrivate = 128 // FUTEX_WAIT | FUTEX_PRIVATE_FLAG
	futexWakePrivate = 129 // FUTEX_WAKE | FUTEX_PRIVATE_FLAG
)

// futexSemaphore is a counting semaphore living at a single uint32 cell,
// woken with the futex syscall. Its futex operations carry the private
// flag, so it wakes only waiters in the same process; no constructor in
// this module wires it into a Notifier.
type futexSemaphore struct {
	count *uint32
}

// NewFutexSemaphore wraps count, a shared-memory cell initialized to zero
// by whichever process creates the waitset segment.
func NewFutexSemaphore(count *uint32) *futexSemaphore {
	return &futexSemaphore{count: count}
}

func (s *futexSemaphore) post() {
	atomic.AddUint32(s.count, 1)
	futexWake(s.count, 1)
}

func (s *futexSemaphore) wait(ctx context.Context) bool {
	for {
		v := atomic.LoadUint32(s.count)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.count, v, v-1) {
				return true
			}
			continue
		}

		var deadline time.Time
		if ctx != nil {
			if dl, ok := ctx.Deadline(); ok {
				deadline = dl
			} else {
				select {
				case <-ctx.Done():
					return false
				default:
				}
			}
		}

		if deadline.IsZero() {
			futexWait(s.count, v)
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if err := futexWaitTimeout(s.count, v, remaining.Nanoseconds()); err == errFutexTimeout {
			return false
		}
	}
}

var errFutexTimeout = syscall.ETIMEDOUT

// futexWait blocks while *addr == val, returning on wake, value change, or
// signal interrupt. Callers must re-check their condition after it
// returns: wakeups can be spurious.
func futexWait(addr *uint32, val uint32) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitPrivate,
		uintptr(val),
		0, 0, 0,
	)
}

// futexWaitTimeout is futexWait bounded by timeoutNs nanoseconds. It
// returns errFutexTimeout once the deadline passes without a wake.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		futexWait(addr, val)
		return nil
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	ts := syscall.Timespec{Sec: timeoutNs / 1e9, Nsec: timeoutNs % 1e9}
	_, _, errno := syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitPrivate,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
	if errno == syscall.ETIMEDOUT {
		return errFutexTimeout
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	syscall.RawSyscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakePrivate,
		uintptr(n),
		0, 0, 0,
	)
}
