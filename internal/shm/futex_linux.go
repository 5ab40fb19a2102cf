//go:build linux

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Non-private futex ops: the words live in a file-backed mapping shared
// across processes.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

var errWaitTimeout = errors.New("shm: futex wait timed out")

// futexWait blocks until the value at addr changes from val, the word is
// woken, or the call is interrupted. Callers must re-check their condition
// after it returns.
func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsPtr uintptr
	if timeoutNs > 0 {
		ts := syscall.Timespec{Sec: timeoutNs / 1e9, Nsec: timeoutNs % 1e9}
		tsPtr = uintptr(unsafe.Pointer(&ts))
	}
	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		tsPtr,
		0,
		0,
	)
	switch errno {
	case 0, syscall.EAGAIN, syscall.EINTR:
		return nil
	case syscall.ETIMEDOUT:
		return errWaitTimeout
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// futexWake wakes up to n waiters on addr.
func futexWake(addr *uint32, n int) {
	_, _, _ = syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
}
