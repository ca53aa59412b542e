package server

import "sync"

// drawLocks serializes mutating operations per draw uuid. Index assignment
// and winner finalization both read before they write; funneling writers for
// the same draw through one lock closes that window inside this process.
type drawLocks struct {
	mu    sync.Mutex
	locks map[string]*drawLock
}

type drawLock struct {
	mu   sync.Mutex
	refs int
}

func newDrawLocks() *drawLocks {
	return &drawLocks{locks: make(map[string]*drawLock)}
}

// acquire blocks until the caller holds the lock for drawUUID.
func (l *drawLocks) acquire(drawUUID string) {
	l.mu.Lock()
	lock, ok := l.locks[drawUUID]
	if !ok {
		lock = &drawLock{}
		l.locks[drawUUID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
}

// release unlocks drawUUID and drops the lock entry once unused.
func (l *drawLocks) release(drawUUID string) {
	l.mu.Lock()
	lock, ok := l.locks[drawUUID]
	if !ok {
		l.mu.Unlock()
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, drawUUID)
	}
	l.mu.Unlock()

	lock.mu.Unlock()
}
