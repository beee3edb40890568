package groutine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSerialClosed is returned by Do once the executor has been closed.
var ErrSerialClosed = errors.New("serial executor closed")

// Serial runs posted functions one at a time, in post order, on a single named goroutine.
//
// Post never blocks: the mailbox is unbounded so driver callbacks delivered from foreign
// threads are never stalled by a slow consumer. Every function posted before Close runs
// before the goroutine exits.
type Serial struct {
	name    string
	onPanic func(worker string, r any)

	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	done   chan struct{}
	gid    atomic.Uint64
}

// NewSerial starts the executor goroutine. onPanic, if non-nil, receives the executor's
// goroutine name and the value of any panic raised by a posted function; the executor keeps
// running afterwards.
func NewSerial(ctx context.Context, name string, onPanic func(worker string, r any)) *Serial {
	s := &Serial{
		name:    name,
		onPanic: onPanic,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	Go(ctx, name, s.loop)
	return s
}

// Name returns the goroutine label of the executor.
func (s *Serial) Name() string {
	return s.name
}

// Post schedules fn. It returns false when the executor is closed and fn will never run.
func (s *Serial) Post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	// signal is closed under mu, so the send must happen under it too
	select {
	case s.signal <- struct{}{}:
	default:
	}
	s.mu.Unlock()
	return true
}

// Do runs fn on the executor and waits for it to finish. Called from the executor goroutine
// itself, fn runs inline. If ctx ends first, Do returns ctx.Err() while fn may still run later.
func (s *Serial) Do(ctx context.Context, fn func()) error {
	if s.InContext() {
		fn()
		return nil
	}

	finished := make(chan struct{})
	if !s.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSerialClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InContext reports whether the caller runs on the executor goroutine.
func (s *Serial) InContext() bool {
	gid := s.gid.Load()
	return gid != 0 && gid == GetGID()
}

// Close stops accepting work, waits until every already posted function ran and returns.
// It is safe to call more than once, but never from the executor goroutine.
func (s *Serial) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.signal)
	}
	s.mu.Unlock()
	<-s.done
}

// Done is closed once the executor goroutine exits.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

func (s *Serial) loop(ctx context.Context) {
	defer close(s.done)
	s.gid.Store(GetGID())
	worker := GetName(ctx)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, fn := range batch {
			s.run(worker, fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.signal
	}
}

func (s *Serial) run(worker string, fn func()) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(worker, r)
		}
	}()
	fn()
}
