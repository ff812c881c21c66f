package merge

import "sync"

// Locker hands out one reader/writer lock per identifier. Entries are
// reference counted and dropped once nobody holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sync.RWMutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock takes the exclusive side for identifier and returns its release func.
func (l *Locker) Lock(identifier string) func() {
	e := l.acquire(identifier)
	e.Lock()
	return func() {
		e.Unlock()
		l.release(identifier, e)
	}
}

// RLock takes the shared side for identifier and returns its release func.
func (l *Locker) RLock(identifier string) func() {
	e := l.acquire(identifier)
	e.RLock()
	return func() {
		e.RUnlock()
		l.release(identifier, e)
	}
}

func (l *Locker) acquire(identifier string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[identifier]
	if !ok {
		e = &lockEntry{}
		l.locks[identifier] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(identifier string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, identifier)
	}
}

// Len reports how many identifiers currently have a live lock entry.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
