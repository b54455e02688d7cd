package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	t.Parallel()

	locks := New()
	const workers = 32
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("equip:press-07")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("expected %d increments, got %d", workers, counter)
	}
}

func TestLockIndependentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	locks := New()
	unlockA := locks.Lock("equip:press-07")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("equip:mill-03")
		unlockB()
		close(done)
	}()
	<-done
}

func TestLockEntryReleasedAfterLastWaiter(t *testing.T) {
	t.Parallel()

	locks := New()
	unlock := locks.Lock("equip:press-07")
	unlock()

	locks.mu.Lock()
	remaining := len(locks.locks)
	locks.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected empty registry, got %d entries", remaining)
	}
}
