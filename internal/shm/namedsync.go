package shm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	writerBit = uint32(1) << 31

	syncSegmentSize = 8

	// Waiters re-arm on this interval so a writer that vanished without
	// running teardown cannot strand a reader forever.
	waitRearmInterval = time.Second
)

// NamedSync is a cross-process shared/exclusive mutex paired with a
// condition variable, both addressable by string name. The primitives live
// in two small file-backed words: "{base}_mutex" holds the lock state
// (writer bit plus reader count), "{base}_condition" holds the notify
// sequence and the closed flag.
type NamedSync struct {
	name      string
	mutexFile *os.File
	condFile  *os.File
	mutexMem  []byte
	condMem   []byte
}

// OpenSync opens or creates the named mutex and condition pair. Multiple
// processes naming the same base share the primitives.
func OpenSync(base string) (*NamedSync, error) {
	s := &NamedSync{name: base}
	var err error
	s.mutexFile, s.mutexMem, err = openSyncSegment(base + "_mutex")
	if err != nil {
		return nil, err
	}
	s.condFile, s.condMem, err = openSyncSegment(base + "_condition")
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openSyncSegment(name string) (*os.File, []byte, error) {
	file, err := os.OpenFile(objectPath(name), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("shm: open sync object %s: %w", name, err)
	}
	if err := file.Truncate(syncSegmentSize); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("shm: size sync object %s: %w", name, err)
	}
	mem, err := mmapFile(file, syncSegmentSize, true)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, mem, nil
}

func (s *NamedSync) state() *uint32   { return (*uint32)(unsafe.Pointer(&s.mutexMem[0])) }
func (s *NamedSync) condSeq() *uint32 { return (*uint32)(unsafe.Pointer(&s.condMem[0])) }
func (s *NamedSync) closed() *uint32  { return (*uint32)(unsafe.Pointer(&s.condMem[4])) }

// LockExclusive blocks until no reader or writer holds the lock.
func (s *NamedSync) LockExclusive() {
	for {
		if atomic.CompareAndSwapUint32(s.state(), 0, writerBit) {
			return
		}
		if v := atomic.LoadUint32(s.state()); v != 0 {
			_ = futexWait(s.state(), v, int64(waitRearmInterval))
		}
	}
}

func (s *NamedSync) UnlockExclusive() {
	atomic.StoreUint32(s.state(), 0)
	futexWake(s.state(), math.MaxInt32)
}

// LockShared blocks while a writer holds the lock; readers coexist.
func (s *NamedSync) LockShared() {
	for {
		v := atomic.LoadUint32(s.state())
		if v&writerBit == 0 {
			if atomic.CompareAndSwapUint32(s.state(), v, v+1) {
				return
			}
			continue
		}
		_ = futexWait(s.state(), v, int64(waitRearmInterval))
	}
}

func (s *NamedSync) UnlockShared() {
	if atomic.AddUint32(s.state(), ^uint32(0)) == 0 {
		futexWake(s.state(), math.MaxInt32)
	}
}

// NotifyAll wakes every waiter on the condition. Call while holding the
// exclusive lock.
func (s *NamedSync) NotifyAll() {
	atomic.AddUint32(s.condSeq(), 1)
	futexWake(s.condSeq(), math.MaxInt32)
}

// WaitShared atomically releases the shared lock, blocks until NotifyAll is
// observed and predicate() reports true, then reacquires the shared lock.
// The caller must hold the shared lock. Returns ErrClosed once the writer
// has marked the pair closed.
func (s *NamedSync) WaitShared(predicate func() bool) error {
	for {
		if atomic.LoadUint32(s.closed()) != 0 {
			return ErrClosed
		}
		if predicate() {
			return nil
		}
		// Snapshot under the shared lock: a writer cannot publish (it
		// needs exclusive) between the predicate check and the wait.
		seq := atomic.LoadUint32(s.condSeq())
		s.UnlockShared()
		err := futexWait(s.condSeq(), seq, int64(waitRearmInterval))
		s.LockShared()
		if err != nil && !errors.Is(err, errWaitTimeout) {
			return err
		}
	}
}

// Closed reports whether MarkClosed has been called on any handle of this
// pair.
func (s *NamedSync) Closed() bool {
	return atomic.LoadUint32(s.closed()) != 0
}

// Kick wakes every condition waiter without publishing a notification.
// Woken waiters re-evaluate their predicate and go back to sleep if it
// still fails.
func (s *NamedSync) Kick() {
	futexWake(s.condSeq(), math.MaxInt32)
}

// MarkClosed flags the pair as torn down and wakes every waiter.
func (s *NamedSync) MarkClosed() {
	atomic.StoreUint32(s.closed(), 1)
	atomic.AddUint32(s.condSeq(), 1)
	futexWake(s.condSeq(), math.MaxInt32)
	futexWake(s.state(), math.MaxInt32)
}

// Close releases this handle without removing the named objects.
func (s *NamedSync) Close() {
	if s.mutexMem != nil {
		_ = munmap(s.mutexMem)
		s.mutexMem = nil
	}
	if s.condMem != nil {
		_ = munmap(s.condMem)
		s.condMem = nil
	}
	if s.mutexFile != nil {
		_ = s.mutexFile.Close()
		s.mutexFile = nil
	}
	if s.condFile != nil {
		_ = s.condFile.Close()
		s.condFile = nil
	}
}
