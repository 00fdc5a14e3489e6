// Package future provides a single-assignment value that goroutines can wait on.
package future

import (
	"context"
	"sync"
)

// Future is resolved or rejected exactly once. Later attempts are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the value. It reports whether this call settled the future.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the future with an error.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is settled or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
