package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Future is the pending result of an asynchronous broker operation.
// It resolves exactly once.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an unresolved future
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with value and err
func Resolved[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Failed returns a future already completed with err
func Failed[T any](err error) *Future[T] {
	var zero T
	return Resolved(zero, err)
}

// Complete resolves the future. Calls after the first are ignored and
// report false.
func (f *Future[T]) Complete(value T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		completed = true
		close(f.done)
	})
	return completed
}

// Done is closed once the future is resolved
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait blocks until the future resolves or ctx ends
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to run once the future resolves. fn always runs on
// its own goroutine, never on the goroutine that resolved the future, so it
// may safely be registered from transport callbacks.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}

// Await waits for f, bounded by timeout when it is positive. A timeout is
// reported as ErrTimeout; cancellation of ctx is returned unchanged.
func Await[T any](ctx context.Context, f *Future[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Wait(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := f.Wait(tctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return v, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return v, err
}
