package shm

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

func testSyncName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("carla_sync_%d_%d", os.Getpid()%60000, testChannelSeq.Add(1))
}

func TestOpenSyncIsIdempotent(t *testing.T) {
	name := testSyncName(t)
	defer RemoveNamed(name)

	a, err := OpenSync(name)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenSync(name)
	if err != nil {
		t.Fatalf("second open of same name: %v", err)
	}
	defer b.Close()

	// Both handles address the same primitive.
	a.LockExclusive()
	acquired := make(chan struct{})
	go func() {
		b.LockExclusive()
		b.UnlockExclusive()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second handle acquired while first held exclusive")
	case <-time.After(50 * time.Millisecond):
	}
	a.UnlockExclusive()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second handle never acquired after release")
	}
}

func TestSharedReadersCoexist(t *testing.T) {
	name := testSyncName(t)
	defer RemoveNamed(name)
	s, err := OpenSync(name)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	const readers = 8
	var wg sync.WaitGroup
	inside := make(chan struct{}, readers)
	release := make(chan struct{})
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.LockShared()
			inside <- struct{}{}
			<-release
			s.UnlockShared()
		}()
	}
	for i := 0; i < readers; i++ {
		select {
		case <-inside:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d readers inside", i, readers)
		}
	}
	close(release)
	wg.Wait()
}

func TestSharedBlocksExclusive(t *testing.T) {
	name := testSyncName(t)
	defer RemoveNamed(name)
	s, err := OpenSync(name)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.LockShared()
	acquired := make(chan struct{})
	go func() {
		s.LockExclusive()
		s.UnlockExclusive()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("exclusive acquired while shared held")
	case <-time.After(50 * time.Millisecond):
	}
	s.UnlockShared()
	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatal("exclusive never acquired")
	}
}

func TestWaitSharedObservesNotify(t *testing.T) {
	name := testSyncName(t)
	defer RemoveNamed(name)
	s, err := OpenSync(name)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var ready bool
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		s.LockShared()
		defer s.UnlockShared()
		done <- s.WaitShared(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return ready
		})
	}()

	time.Sleep(50 * time.Millisecond)
	s.LockExclusive()
	mu.Lock()
	ready = true
	mu.Unlock()
	s.NotifyAll()
	s.UnlockExclusive()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}
