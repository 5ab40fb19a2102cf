//go:build !linux

package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

var errWaitTimeout = errors.New("shm: futex wait timed out")

// Poll-based fallback for platforms without futex(2). Correctness only;
// the transport is Linux-first.
func futexWait(addr *uint32, val uint32, timeoutNs int64) error {
	deadline := time.Time{}
	if timeoutNs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errWaitTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
