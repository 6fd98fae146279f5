package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locks serializes work per key. The orchestrator and the reconciler both key
// on the primary pull request URL, so a record is never written by two units
// at once.
type Locks struct {
	mu   sync.Mutex
	keys map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLocks() *Locks {
	return &Locks{keys: make(map[string]*lockEntry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Locks) Lock(ctx context.Context, key string) error {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key)
		return err
	}
	return nil
}

// TryLock acquires key if it is free and reports whether it did.
func (l *Locks) TryLock(key string) bool {
	e := l.ref(key)
	if e.sem.TryAcquire(1) {
		return true
	}
	l.unref(key)
	return false
}

func (l *Locks) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.keys[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	e.sem.Release(1)
	l.unref(key)
}

func (l *Locks) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.keys[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.keys[key]; ok {
		if e.refs--; e.refs == 0 {
			delete(l.keys, key)
		}
	}
}

func (l *Locks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
