package service

import "sync"

// chainLocks serializes writers per chain. Entries are dropped once the last
// writer of a chain is done.
type chainLocks struct {
	mu    sync.Mutex
	locks map[string]*chainLock
}

type chainLock struct {
	mu      sync.Mutex
	writers int
}

func newChainLocks() *chainLocks {
	return &chainLocks{locks: make(map[string]*chainLock)}
}

// lock blocks until key is free and returns the release function together
// with the number of writers queued on key, this one included.
func (cl *chainLocks) lock(key string) (func(), int) {
	cl.mu.Lock()
	l, ok := cl.locks[key]
	if !ok {
		l = &chainLock{}
		cl.locks[key] = l
	}
	l.writers++
	writers := l.writers
	cl.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		cl.mu.Lock()
		defer cl.mu.Unlock()
		l.writers--
		if l.writers == 0 {
			delete(cl.locks, key)
		}
	}, writers
}

// active returns the number of chains with a writer.
func (cl *chainLocks) active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.locks)
}
