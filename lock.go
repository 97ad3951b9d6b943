package drivewatch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// scopeLocks serializes lifecycle operations and syncs per scope within
// this process. Storage CAS covers concurrent processes.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{
		locks: make(map[string]*semaphore.Weighted),
	}
}

// Lock waits for the scope lock until ctx is done.
func (l *scopeLocks) Lock(ctx context.Context, scopeKey string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[scopeKey]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[scopeKey] = sem
	}
	l.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for scope lock scope=%s: %w", scopeKey, err)
	}
	return func() { sem.Release(1) }, nil
}

// TryLock takes the scope lock only if it is free.
func (l *scopeLocks) TryLock(scopeKey string) (func(), bool) {
	l.mu.Lock()
	sem, ok := l.locks[scopeKey]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[scopeKey] = sem
	}
	l.mu.Unlock()
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
