package future

import (
	"context"
	"sync"
)

// Callback observes the final outcome of an operation.
type Callback[T any] func(T, error)

// Future is resolved exactly once with either a value or an error. Waiters on
// Get, pollers of Result and the optional callback all observe the same pair.
type Future[T any] struct {
	once     sync.Once
	done     chan struct{}
	val      T
	err      error
	callback Callback[T]
}

// New returns an unresolved future. cb may be nil.
func New[T any](cb Callback[T]) *Future[T] {
	return &Future[T]{done: make(chan struct{}), callback: cb}
}

// Resolved returns a future already resolved with (v, err), invoking cb.
func Resolved[T any](v T, err error, cb Callback[T]) *Future[T] {
	f := New(cb)
	f.Resolve(v, err)
	return f
}

// Resolve records the outcome, releases waiters and then runs the callback on
// the calling goroutine. Only the first call has any effect; it returns false
// for every later call. A non-nil err discards v.
func (f *Future[T]) Resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		if err != nil {
			var zero T
			v = zero
		}
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	if resolved && f.callback != nil {
		f.callback(v, err)
	}
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get blocks until the future resolves or ctx ends. A resolved future wins
// over a done ctx.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the future resolves.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Result polls without blocking. ok is false while unresolved.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
