// Package taskpool provides bounded-concurrency task admission.
//
// A TaskPool hands out integer slots in the range [0, MaxTaskCount). Each
// in-flight task owns exactly one slot; callers that cannot get a slot wait in
// FIFO order until one is released or the limit is raised.
package taskpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidMaxTaskCount is returned when the limit is set below 1.
var ErrInvalidMaxTaskCount = errors.New("max task count must be at least 1")

// Slot is a concurrency permit issued by a TaskPool.
type Slot int

// Stats is a point-in-time view of the pool.
type Stats struct {
	Max     int
	Used    int
	Free    int
	Waiting int
}

// TaskPool admits at most MaxTaskCount tasks at a time.
type TaskPool struct {
	mu      sync.Mutex
	max     int
	used    map[Slot]struct{}
	free    []Slot
	waiters *list.List // of chan Slot, front is next to be admitted
}

// New creates a pool admitting at most max concurrent tasks.
func New(max int) (*TaskPool, error) {
	if max < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxTaskCount, max)
	}
	return &TaskPool{
		max:     max,
		used:    make(map[Slot]struct{}),
		waiters: list.New(),
	}, nil
}

// MaxTaskCount returns the current limit.
func (p *TaskPool) MaxTaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetMaxTaskCount changes the limit at runtime. Raising it admits queued
// callers immediately; lowering it never preempts running tasks.
func (p *TaskPool) SetMaxTaskCount(max int) error {
	if max < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxTaskCount, max)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.max = max
	kept := p.free[:0]
	for _, s := range p.free {
		if int(s) < max {
			kept = append(kept, s)
		}
	}
	p.free = kept
	p.admitLocked()
	return nil
}

// Stats returns the pool's current occupancy.
func (p *TaskPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:     p.max,
		Used:    len(p.used),
		Free:    len(p.free),
		Waiting: p.waiters.Len(),
	}
}

// Acquire returns a slot, waiting in FIFO order if none is available.
// If ctx is done first, ctx.Err() is returned and no slot is held.
func (p *TaskPool) Acquire(ctx context.Context) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	if p.waiters.Len() == 0 {
		if s, ok := p.takeLocked(); ok {
			p.mu.Unlock()
			return s, nil
		}
	}
	ch := make(chan Slot, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case s := <-ch:
			// Admitted concurrently with cancellation: hand the slot back.
			p.releaseLocked(s)
		default:
			p.waiters.Remove(elem)
		}
		p.mu.Unlock()
		return 0, ctx.Err()
	}
}

// Release frees a slot previously returned by Acquire.
func (p *TaskPool) Release(s Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(s)
}

// Run acquires a slot, runs fn with it and releases the slot afterward.
// fn's error is returned unchanged.
func (p *TaskPool) Run(ctx context.Context, fn func(ctx context.Context, slot Slot) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(ctx, s)
}

// Schedule runs fn under a slot of p and returns its result.
func Schedule[R any](ctx context.Context, p *TaskPool, fn func(ctx context.Context) (R, error)) (R, error) {
	var res R
	err := p.Run(ctx, func(ctx context.Context, _ Slot) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	return res, err
}

func (p *TaskPool) releaseLocked(s Slot) {
	if _, ok := p.used[s]; !ok {
		panic(fmt.Sprintf("taskpool: release of slot %d which is not in use", s))
	}
	delete(p.used, s)
	if int(s) < p.max {
		p.free = append(p.free, s)
	}
	p.admitLocked()
}

// takeLocked returns a recycled slot if any, otherwise the lowest unused id.
func (p *TaskPool) takeLocked() (Slot, bool) {
	if len(p.used) >= p.max {
		return 0, false
	}
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.used[s] = struct{}{}
		return s, true
	}
	for i := 0; i < p.max; i++ {
		s := Slot(i)
		if _, busy := p.used[s]; !busy {
			p.used[s] = struct{}{}
			return s, true
		}
	}
	return 0, false
}

func (p *TaskPool) admitLocked() {
	for p.waiters.Len() > 0 {
		s, ok := p.takeLocked()
		if !ok {
			return
		}
		front := p.waiters.Front()
		p.waiters.Remove(front)
		front.Value.(chan Slot) <- s
	}
}
