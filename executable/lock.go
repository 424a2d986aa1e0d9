package executable

import (
	"container/list"
	"context"
	"sync"
)

// busyLock serializes reloads and runs of one executable. Waiters are
// admitted in the order they called Lock. It is not reentrant.
type busyLock struct {
	mu      sync.Mutex
	held    bool
	waiters *list.List // of chan struct{}
}

func newBusyLock() *busyLock {
	return &busyLock{waiters: list.New()}
}

// Lock blocks until the lock is handed to the caller or ctx is done.
func (l *busyLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && l.waiters.Len() == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := l.waiters.PushBack(ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-ch:
		// Handed over while we were giving up.
		l.mu.Unlock()
		l.Unlock()
	default:
		l.waiters.Remove(elem)
		l.mu.Unlock()
	}
	return ctx.Err()
}

// Unlock passes the lock to the next waiter, if any.
func (l *busyLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		panic("executable: unlock of unlocked busy lock")
	}
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.held = false
}

// Busy reports whether a reload or run holds the lock.
func (l *busyLock) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
