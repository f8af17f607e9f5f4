package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const testPrefix = "lifecycle:lifecycle_test"

type testState int

const (
	stInit testState = iota
	stPending
	stReady
	stStopped
	stError testState = 100
)

func TestSetState_SameStateIsNoOp(t *testing.T) {
	l := New(stInit, false)
	calls := 0
	l.OnChange(func(prev, next testState, args ...any) { calls++ })

	if err := l.SetState(stInit); err != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, err)
	}
	if calls != 0 {
		t.Errorf("%s - change subscriber called %d times, want 0", testPrefix, calls)
	}
}

func TestSetState_CannotMoveBackward(t *testing.T) {
	l := New(stInit, false)
	if err := l.SetState(stReady); err != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, err)
	}
	err := l.SetState(stPending)
	if !errors.Is(err, rpcerr.ErrIllegalState) {
		t.Fatalf("%s - expected illegal state error, got %v", testPrefix, err)
	}
	if s, _ := l.State(); s != stReady {
		t.Errorf("%s - state = %v, want %v", testPrefix, s, stReady)
	}
}

func TestSetState_BacktrackableAllowsBackward(t *testing.T) {
	l := New(stReady, true)
	if err := l.SetState(stPending); err != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, err)
	}
	if !l.Is(stPending) {
		t.Errorf("%s - expected pending", testPrefix)
	}
}

func TestSetState_HooksRunInOrderWithArgs(t *testing.T) {
	l := New(stInit, false)
	var order []string
	l.OnChange(func(prev, next testState, args ...any) {
		order = append(order, "change")
	})
	l.AddHook(stReady, func(args ...any) error {
		order = append(order, "first:"+args[0].(string))
		return nil
	})
	l.AddHook(stReady, func(args ...any) error {
		order = append(order, "second")
		return nil
	})
	l.AddHook(stStopped, func(args ...any) error {
		order = append(order, "stopped")
		return nil
	})

	if err := l.SetState(stReady, "x"); err != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, err)
	}
	want := []string{"change", "first:x", "second"}
	if len(order) != len(want) {
		t.Fatalf("%s - order = %v, want %v", testPrefix, order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("%s - order[%d] = %q, want %q", testPrefix, i, order[i], want[i])
		}
	}
}

func TestSetState_HookErrorSurfaces(t *testing.T) {
	l := New(stInit, false)
	boom := errors.New("boom")
	l.AddHook(stError, func(args ...any) error { return boom })

	err := l.SetState(stError)
	if !errors.Is(err, boom) {
		t.Fatalf("%s - expected hook error, got %v", testPrefix, err)
	}
	if !l.Is(stError) {
		t.Errorf("%s - transition must stand even if a hook fails", testPrefix)
	}
}

func TestDestroy_StateReadsFail(t *testing.T) {
	l := New(stInit, false)
	l.Destroy()
	if _, err := l.State(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("%s - expected ErrDestroyed, got %v", testPrefix, err)
	}
	if err := l.SetState(stReady); !errors.Is(err, ErrDestroyed) {
		t.Errorf("%s - expected ErrDestroyed on SetState, got %v", testPrefix, err)
	}
}

func TestLatest_KeepsMostAdvancedState(t *testing.T) {
	var latest Latest[testState]
	if latest.Load() != stInit {
		t.Fatalf("%s - zero Latest = %v, want init", testPrefix, latest.Load())
	}
	// A late notification for an earlier transition must not win.
	latest.Observe(stError)
	latest.Observe(stStopped)
	latest.Observe(stReady)
	if got := latest.Load(); got != stError {
		t.Errorf("%s - Latest = %v, want %v", testPrefix, got, stError)
	}
}

func TestLatest_TracksRacingTransitions(t *testing.T) {
	for i := 0; i < 200; i++ {
		l := New(stReady, false)
		var latest Latest[testState]
		l.OnChange(func(prev, next testState, args ...any) { latest.Observe(next) })

		var wg sync.WaitGroup
		for _, next := range []testState{stStopped, stError} {
			wg.Add(1)
			go func(next testState) {
				defer wg.Done()
				_ = l.SetState(next)
			}(next)
		}
		wg.Wait()

		want, _ := l.State()
		if got := latest.Load(); got != want {
			t.Fatalf("%s - run %d: cached %v, lifecycle %v", testPrefix, i, got, want)
		}
	}
}
