package validation

import (
	"sync"

	"github.com/kilianp07/flexplan/core/planboard"
)

// KeyLocks serializes work per sequence key. Entries are dropped once no
// goroutine holds or waits for them.
type KeyLocks struct {
	mu sync.Mutex
	m  map[planboard.SequenceKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks returns an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{m: map[planboard.SequenceKey]*keyLock{}}
}

// Lock blocks until k is free and returns the matching unlock function.
func (l *KeyLocks) Lock(k planboard.SequenceKey) func() {
	l.mu.Lock()
	e, ok := l.m[k]
	if !ok {
		e = &keyLock{}
		l.m[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
	}
}

func (l *KeyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
