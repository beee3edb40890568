package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/blecentral/internal/device"
)

// Handle is the completion side of an asynchronous call. Resolve delivers the outcome and
// reports whether this was the first resolution; later calls are ignored.
type Handle interface {
	Resolve(v any, err error) bool
}

// HandleFunc adapts a function to Handle. It has no resolve-once guard of its own and is
// used to chain steps of a multi-step operation on the serial context.
type HandleFunc func(v any, err error)

func (f HandleFunc) Resolve(v any, err error) bool {
	f(v, err)
	return true
}

// Future is a resolve-once completion handle carrying a value of type T.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve completes the future. A non-nil err wins over v. A v of the wrong type resolves
// the future with an UnexpectedError.
func (f *Future[T]) Resolve(v any, err error) bool {
	first := false
	f.once.Do(func() {
		first = true
		if err != nil {
			f.err = device.Classify(err)
		} else if v != nil {
			typed, ok := v.(T)
			if !ok {
				var zero T
				f.err = device.NewUnexpected("result type %T, want %T", v, zero)
			} else {
				f.val = typed
			}
		}
		close(f.done)
	})
	return first
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("await: %w", ctx.Err())
	}
}

// Result returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Result() (v T, ok bool, err error) {
	select {
	case <-f.done:
		return f.val, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}
