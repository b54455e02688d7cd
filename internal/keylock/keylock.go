package keylock

import "sync"

// KeyLock provides mutual exclusion scoped to one string key.
// Params: guarded per-key lock registry with waiter refcounts.
// Returns: serialization primitive for correlation-key read-modify-write.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	waiters int
}

// New creates an empty key lock registry.
// Params: none.
// Returns: initialized key lock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for one key, blocking until available.
// Params: correlation key.
// Returns: unlock function that must be called exactly once.
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	item, ok := k.locks[key]
	if !ok {
		item = &entry{}
		k.locks[key] = item
	}
	item.waiters++
	k.mu.Unlock()

	item.mu.Lock()
	return func() {
		item.mu.Unlock()
		k.mu.Lock()
		item.waiters--
		if item.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
