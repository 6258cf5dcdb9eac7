package stream

import "sync"

// keyedMutex serialises mutators per stream id while letting distinct streams
// proceed in parallel. Entries are reference counted and dropped when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[[32]byte]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[[32]byte]*lockEntry)}
}

// Lock acquires the mutex for id and returns its release function.
func (k *keyedMutex) Lock(id [32]byte) func() {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &lockEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
