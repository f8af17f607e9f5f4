// Package lifecycle implements a generic ordered state machine with change
// notification and per-state hooks. Handlers run synchronously, in registration
// order, on the goroutine that performed the transition. Handlers of two racing
// transitions may interleave; use Latest to cache the state from a subscriber.
package lifecycle

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// ErrDestroyed is returned by reads after Destroy.
var ErrDestroyed = errors.New("lifecycle: destroyed")

// ChangeFunc observes every transition.
type ChangeFunc[S cmp.Ordered] func(prev, next S, args ...any)

// Hook runs when the machine enters a specific state. A returned error is
// reported to the caller of SetState.
type Hook func(args ...any) error

// Lifecycle holds the current state of a component.
type Lifecycle[S cmp.Ordered] struct {
	mu            sync.Mutex
	state         S
	backtrackable bool
	destroyed     bool
	changes       []ChangeFunc[S]
	hooks         map[S][]Hook
}

// New creates a Lifecycle in the initial state. When backtrackable is false,
// moving to a lower state fails.
func New[S cmp.Ordered](initial S, backtrackable bool) *Lifecycle[S] {
	return &Lifecycle[S]{
		state:         initial,
		backtrackable: backtrackable,
		hooks:         make(map[S][]Hook),
	}
}

// State returns the current state, or ErrDestroyed.
func (l *Lifecycle[S]) State() (S, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		var zero S
		return zero, ErrDestroyed
	}
	return l.state, nil
}

// Is reports whether the machine is currently in state s.
func (l *Lifecycle[S]) Is(s S) bool {
	cur, err := l.State()
	return err == nil && cur == s
}

// OnChange registers a subscriber for all transitions.
func (l *Lifecycle[S]) OnChange(fn ChangeFunc[S]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, fn)
}

// AddHook registers fn to run whenever the machine enters s.
func (l *Lifecycle[S]) AddHook(s S, fn Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks[s] = append(l.hooks[s], fn)
}

// SetState moves the machine to next. Setting the current state again is a
// no-op. Hook failures are joined and returned; the transition itself stands.
func (l *Lifecycle[S]) SetState(next S, args ...any) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	prev := l.state
	if prev == next {
		l.mu.Unlock()
		return nil
	}
	if !l.backtrackable && next < prev {
		l.mu.Unlock()
		return rpcerr.IllegalState(fmt.Sprintf("cannot move backward from %v to %v", prev, next))
	}
	l.state = next
	changes := append([]ChangeFunc[S](nil), l.changes...)
	hooks := append([]Hook(nil), l.hooks[next]...)
	l.mu.Unlock()

	for _, fn := range changes {
		fn(prev, next, args...)
	}
	var errs []error
	for _, h := range hooks {
		if err := h(args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy finalizes the machine. Later reads fail with ErrDestroyed and all
// subscribers are dropped.
func (l *Lifecycle[S]) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
	l.changes = nil
	l.hooks = make(map[S][]Hook)
}

// Latest caches the most advanced state reported to a change subscriber.
// On a non-backtrackable machine the highest state seen is the current one,
// whatever order racing notifications arrive in.
type Latest[S cmp.Ordered] struct {
	mu sync.RWMutex
	s  S
}

// Observe records s unless a later state was already seen.
func (l *Latest[S]) Observe(s S) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s > l.s {
		l.s = s
	}
}

// Load returns the latest observed state.
func (l *Latest[S]) Load() S {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s
}
