package process

import (
	"sync"
	"time"
)

// TimeLimit is a shared maximum running time that may change while
// processes subject to it are alive. A zero value disables the limit.
type TimeLimit struct {
	mu       sync.Mutex
	limit    time.Duration
	nextID   int
	watchers map[int]chan struct{}
}

// NewTimeLimit returns a TimeLimit initialised to d.
func NewTimeLimit(d time.Duration) *TimeLimit {
	return &TimeLimit{
		limit:    d,
		watchers: make(map[int]chan struct{}),
	}
}

// Get returns the current limit.
func (l *TimeLimit) Get() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Set changes the limit and notifies all watchers.
func (l *TimeLimit) Set(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d < 0 {
		d = 0
	}
	if d == l.limit {
		return
	}
	l.limit = d
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel that receives a value after each change, and a
// function that unregisters it.
func (l *TimeLimit) Watch() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	ch := make(chan struct{}, 1)
	l.watchers[id] = ch
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.watchers, id)
	}
}

// remaining computes how long a process started elapsed ago may still run.
func remaining(limit, elapsed time.Duration) time.Duration {
	return max(0, limit-elapsed)
}
