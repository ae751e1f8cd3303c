package agent

import (
	"sync"

	"github.com/google/uuid"
)

// keyMutex serializes work per resource uuid without keeping a lock object
// alive for every uuid ever seen: entries are reference counted and dropped
// when the last holder unlocks.
type keyMutex struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*keyMutexEntry
}

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{entries: make(map[uuid.UUID]*keyMutexEntry)}
}

// Lock acquires the mutex for the key, creating it on first use.
func (k *keyMutex) Lock(key uuid.UUID) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyMutexEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for the key and frees it when unused.
func (k *keyMutex) Unlock(key uuid.UUID) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
