// Package async provides a single-resolution future used to compose protocol
// round-trips without blocking the caller.
package async

import (
	"context"
	"sync"
)

// Future holds a value that becomes available once. The first call to
// Complete wins; later calls are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already resolved.
func Completed[T any](v T, err error) *Future[T] {
	f := New[T]()
	f.Complete(v, err)
	return f
}

// Complete resolves the future. It reports whether this call performed the
// resolution.
func (f *Future[T]) Complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It must only be called after Done is closed;
// before that it returns the zero value and a nil error.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero T
		return zero, nil
	}
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then runs fn on its own goroutine once the future resolves.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}

// Map derives a future whose value is produced by fn once f resolves. fn runs
// on its own goroutine.
func Map[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	f.Then(func(v T, err error) {
		u, err := fn(v, err)
		out.Complete(u, err)
	})
	return out
}
