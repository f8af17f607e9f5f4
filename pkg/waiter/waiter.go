// Package waiter correlates locally generated numeric ids with pending calls.
// Each entry settles exactly once: by Emit, EmitError, its timeout, or Cancel.
package waiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is delivered to entries whose ttl elapsed before they were emitted.
var ErrTimeout = errors.New("waiter: timed out")

// ErrCancelled is delivered to entries removed through Cancel.
var ErrCancelled = errors.New("waiter: cancelled")

type outcome[T any] struct {
	value T
	err   error
}

type entry[T any] struct {
	ch    chan outcome[T]
	done  chan struct{}
	timer *time.Timer
}

// Pending is the caller's handle on one entry.
type Pending[T any] struct {
	ID uint32

	w *Waiter[T]
	e *entry[T]
}

// Await blocks until the entry settles or ctx is done. On ctx cancellation the
// entry is removed and ctx's error returned.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case o := <-p.e.ch:
		return o.value, o.err
	case <-ctx.Done():
		p.w.settle(p.ID, outcome[T]{err: ctx.Err()})
		var zero T
		return zero, ctx.Err()
	}
}

// Waiter allocates ids and tracks their pending entries.
type Waiter[T any] struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*entry[T]
}

// New creates an empty Waiter.
func New[T any]() *Waiter[T] {
	return &Waiter[T]{pending: make(map[uint32]*entry[T])}
}

// Wait allocates a fresh id and arms a ttl timer for it. A non-positive ttl
// disables the timer.
func (w *Waiter[T]) Wait(ttl time.Duration) *Pending[T] {
	e := &entry[T]{
		ch:   make(chan outcome[T], 1),
		done: make(chan struct{}),
	}

	w.mu.Lock()
	id := w.allocLocked()
	w.pending[id] = e
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() {
			w.settle(id, outcome[T]{err: ErrTimeout})
		})
	}
	w.mu.Unlock()

	return &Pending[T]{ID: id, w: w, e: e}
}

// allocLocked returns the next id not currently pending. Ids wrap around and
// zero is never handed out.
func (w *Waiter[T]) allocLocked() uint32 {
	for {
		w.nextID++
		if w.nextID == 0 {
			continue
		}
		if _, busy := w.pending[w.nextID]; !busy {
			return w.nextID
		}
	}
}

// Emit resolves id with v. It reports false when id is unknown or already settled.
func (w *Waiter[T]) Emit(id uint32, v T) bool {
	return w.settle(id, outcome[T]{value: v})
}

// EmitError rejects id with err. It reports false when id is unknown or already settled.
func (w *Waiter[T]) EmitError(id uint32, err error) bool {
	return w.settle(id, outcome[T]{err: err})
}

// Cancel removes id without a value.
func (w *Waiter[T]) Cancel(id uint32) bool {
	return w.settle(id, outcome[T]{err: ErrCancelled})
}

// RejectAll rejects every pending entry with err.
func (w *Waiter[T]) RejectAll(err error) {
	w.mu.Lock()
	ids := make([]uint32, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.settle(id, outcome[T]{err: err})
	}
}

// Len returns the number of pending entries.
func (w *Waiter[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// WaitForAll blocks until every entry pending at call time has settled, or
// grace elapses. It reports whether all of them settled.
func (w *Waiter[T]) WaitForAll(grace time.Duration) bool {
	w.mu.Lock()
	dones := make([]chan struct{}, 0, len(w.pending))
	for _, e := range w.pending {
		dones = append(dones, e.done)
	}
	w.mu.Unlock()

	if len(dones) == 0 {
		return true
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, d := range dones {
		select {
		case <-d:
		case <-deadline.C:
			return false
		}
	}
	return true
}

func (w *Waiter[T]) settle(id uint32, o outcome[T]) bool {
	w.mu.Lock()
	e, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.ch <- o
	close(e.done)
	return true
}
