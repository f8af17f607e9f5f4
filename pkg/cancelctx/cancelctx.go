// Package cancelctx provides a hierarchical cancellation token on top of
// context.Context. Aborting a parent aborts every child synchronously, and
// Await races an operation against the token so that an abort always wins.
package cancelctx

import (
	"context"
	"errors"
	"sync"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

type status int

const (
	statusRunning status = iota
	statusCompleted
	statusAborted
)

// errCompleted is the cancel cause recorded when a context completes normally.
var errCompleted = errors.New("cancelctx: context completed")

// Context is a cancellation token. Once completed or aborted it never runs again.
type Context struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	status status
}

// New creates a Context. A nil parent roots the token at context.Background.
func New(parent *Context) *Context {
	if parent == nil {
		return From(context.Background())
	}
	return From(parent.ctx)
}

// From creates a Context that is aborted when ctx is done.
func From(ctx context.Context) *Context {
	c, cancel := context.WithCancelCause(ctx)
	return &Context{ctx: c, cancel: cancel}
}

// Context returns the underlying context.Context for blocking calls.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Done is closed when the token is aborted or completed.
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Aborted reports whether the token (or one of its ancestors) was aborted.
func (c *Context) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortedLocked()
}

func (c *Context) abortedLocked() bool {
	if c.status == statusAborted {
		return true
	}
	return c.status == statusRunning && c.ctx.Err() != nil
}

// Err returns a cancellation error when the token was aborted, nil otherwise.
func (c *Context) Err() error {
	if !c.Aborted() {
		return nil
	}
	return rpcerr.Aborted(context.Cause(c.ctx))
}

// Abort cancels the token and all of its children with reason err.
// Aborting a completed or already aborted token is a no-op.
func (c *Context) Abort(err error) {
	c.mu.Lock()
	if c.status != statusRunning {
		c.mu.Unlock()
		return
	}
	c.status = statusAborted
	c.mu.Unlock()

	if err == nil {
		err = context.Canceled
	}
	c.cancel(err)
}

// Complete finishes the token and releases its resources. It fails when the
// token was already aborted. Children still pending are released as well.
func (c *Context) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.abortedLocked():
		c.status = statusAborted
		return rpcerr.IllegalState("cannot complete an aborted context").WithCause(context.Cause(c.ctx))
	case c.status == statusCompleted:
		return nil
	}
	c.status = statusCompleted
	c.cancel(errCompleted)
	return nil
}

// Run invokes fn with the token's context unless the token is already aborted.
func (c *Context) Run(fn func(ctx context.Context) error) error {
	if err := c.Err(); err != nil {
		return err
	}
	return fn(c.ctx)
}

// Await runs fn and races it against c. If c is aborted before fn returns,
// or while its result is being delivered, Await returns a cancellation error.
func Await[T any](c *Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(c.ctx)
		done <- result{v, err}
	}()

	select {
	case <-c.ctx.Done():
		if err := c.Err(); err != nil {
			return zero, err
		}
		// Completed concurrently; the operation result is still authoritative.
		r := <-done
		return r.v, r.err
	case r := <-done:
		if err := c.Err(); err != nil {
			return zero, err
		}
		return r.v, r.err
	}
}
