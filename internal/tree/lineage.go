package tree

import (
	"slices"
	"sync"
)

// lineageLocks serialises subtree deletion against path resolution under the
// same top-level node. Entries are keyed by the top-level ancestor's name and
// removed once nobody holds or waits for them.
type lineageLocks struct {
	mu    sync.Mutex
	locks map[string]*lineageLock
}

type lineageLock struct {
	sync.RWMutex
	refs int
}

func newLineageLocks() *lineageLocks {
	return &lineageLocks{locks: make(map[string]*lineageLock)}
}

func (l *lineageLocks) ref(name string) *lineageLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[name]
	if !ok {
		e = &lineageLock{}
		l.locks[name] = e
	}
	e.refs++
	return e
}

func (l *lineageLocks) unref(name string, e *lineageLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, name)
	}
}

// shared takes the shared lock for every distinct name, in sorted order.
func (l *lineageLocks) shared(names ...string) (unlock func()) {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)

	held := make([]*lineageLock, len(names))
	for i, name := range names {
		e := l.ref(name)
		e.RLock()
		held[i] = e
	}
	return func() {
		for i := len(names) - 1; i >= 0; i-- {
			held[i].RUnlock()
			l.unref(names[i], held[i])
		}
	}
}

// exclusive takes the exclusive lock for name.
func (l *lineageLocks) exclusive(name string) (unlock func()) {
	e := l.ref(name)
	e.Lock()
	return func() {
		e.Unlock()
		l.unref(name, e)
	}
}

// size returns the number of live entries.
func (l *lineageLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
