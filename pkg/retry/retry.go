// Package retry drives a cancellable operation until it succeeds, with a fixed
// or exponentially growing interval between attempts.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/morezero/peer-rpc/pkg/cancelctx"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// Options is the retry policy.
type Options struct {
	// MaxRetryTimes bounds the retries after the first attempt. 0 means unlimited.
	MaxRetryTimes int
	// Interval is the fixed wait between attempts when IncrementInterval is false.
	Interval time.Duration
	// IncrementInterval doubles the wait after every failure, starting at
	// MinInterval and capped at MaxInterval.
	IncrementInterval bool
	MinInterval       time.Duration
	MaxInterval       time.Duration
}

// DefaultOptions returns an unlimited, exponential policy from 500ms to 5s.
func DefaultOptions() Options {
	return Options{
		IncrementInterval: true,
		MinInterval:       500 * time.Millisecond,
		MaxInterval:       5 * time.Second,
	}
}

// Job is one attempt.
type Job[T any] func(ctx context.Context) (T, error)

// Retry runs a Job with the configured policy. A Retry may be reused; each
// DoJob call starts counting from zero.
type Retry[T any] struct {
	opts Options
	job  Job[T]

	mu         sync.Mutex
	count      int
	onError    []func(err error, next time.Duration)
	onMaxRetry []func(err error)
}

// New creates a Retry for job.
func New[T any](job Job[T], opts Options) *Retry[T] {
	return &Retry[T]{opts: opts, job: job}
}

// OnError registers a callback invoked after each failed attempt with the
// wait before the next one.
func (r *Retry[T]) OnError(fn func(err error, next time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, fn)
}

// OnMaxRetry registers a callback invoked when the budget is exhausted.
func (r *Retry[T]) OnMaxRetry(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMaxRetry = append(r.onMaxRetry, fn)
}

// Count returns the number of failed attempts of the current DoJob call.
func (r *Retry[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Interval returns the wait after the n-th failure (n starts at 1).
func (r *Retry[T]) Interval(n int) time.Duration {
	if !r.opts.IncrementInterval {
		return r.opts.Interval
	}
	d := r.opts.MinInterval
	for i := 1; i < n; i++ {
		d *= 2
		if r.opts.MaxInterval > 0 && d >= r.opts.MaxInterval {
			return r.opts.MaxInterval
		}
	}
	if r.opts.MaxInterval > 0 && d > r.opts.MaxInterval {
		return r.opts.MaxInterval
	}
	return d
}

// DoJob runs the job until it succeeds, the budget is exhausted, or parent is
// aborted. Abort during an attempt or a wait ends the loop immediately.
func (r *Retry[T]) DoJob(parent *cancelctx.Context) (T, error) {
	var zero T
	c := cancelctx.New(parent)
	defer c.Complete()

	r.mu.Lock()
	r.count = 0
	r.mu.Unlock()

	for {
		v, err := cancelctx.Await(c, func(ctx context.Context) (T, error) {
			return r.job(ctx)
		})
		if err == nil {
			return v, nil
		}
		if c.Aborted() || rpcerr.IsAborted(err) {
			return zero, err
		}

		r.mu.Lock()
		r.count++
		n := r.count
		onError := append([]func(error, time.Duration){}, r.onError...)
		onMax := append([]func(error){}, r.onMaxRetry...)
		r.mu.Unlock()

		if r.opts.MaxRetryTimes > 0 && n > r.opts.MaxRetryTimes {
			for _, fn := range onMax {
				fn(err)
			}
			return zero, rpcerr.TooManyRetries(n, err)
		}

		next := r.Interval(n)
		for _, fn := range onError {
			fn(err, next)
		}

		timer := time.NewTimer(next)
		select {
		case <-c.Done():
			timer.Stop()
			return zero, c.Err()
		case <-timer.C:
		}
	}
}
