// ABOUTME: Single-consumer scheduler of immediate and delayed callbacks ordered by ready time.
// ABOUTME: Any goroutine may register or cancel; exactly one poll loop executes the callbacks.

package eventspace

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Register once the space has been stopped.
var ErrStopped = errors.New("cannot register after stop")

// Func is the body of a callback. A returned error (or a recovered panic)
// is captured on the Callback and logged.
type Func func() error

// Option configures a single registration.
type Option func(*Callback)

// WithDelay schedules the callback d after registration.
func WithDelay(d time.Duration) Option {
	return func(c *Callback) {
		if d > 0 {
			c.readyAt = c.readyAt.Add(d)
		}
	}
}

// InGoroutine runs the callback on its own goroutine when it becomes ready,
// for bodies that are expected to block.
func InGoroutine() Option {
	return func(c *Callback) {
		c.inGoroutine = true
	}
}

// Callback is the handle returned by Register.
type Callback struct {
	space       *Space
	fn          Func
	readyAt     time.Time
	inGoroutine bool
	seq         uint64
	index       int

	// guarded by space.mu
	cancelled bool
	called    bool

	done chan struct{}
	err  error
}

// ReadyAt reports when the callback becomes eligible to run.
func (c *Callback) ReadyAt() time.Time {
	return c.readyAt
}

// Cancel prevents the callback from running. It returns false when the
// callback has already been collected for execution.
func (c *Callback) Cancel() bool {
	return c.space.Cancel(c)
}

// Cancelled reports whether Cancel succeeded at some point.
func (c *Callback) Cancelled() bool {
	c.space.mu.Lock()
	defer c.space.mu.Unlock()
	return c.cancelled
}

// Called reports whether the callback was collected for execution.
func (c *Callback) Called() bool {
	c.space.mu.Lock()
	defer c.space.mu.Unlock()
	return c.called
}

// Done is closed once the callback body has returned.
func (c *Callback) Done() <-chan struct{} {
	return c.done
}

// Err returns the captured error. Only meaningful after Done is closed.
func (c *Callback) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Space is the event space. The zero value is not usable; call New.
type Space struct {
	mu      sync.Mutex
	queue   callbackHeap
	seq     uint64
	stopped bool
	woken   bool
	wake    chan struct{}
	threads sync.WaitGroup
	logger  *slog.Logger
}

// New creates an open event space.
func New(logger *slog.Logger) *Space {
	if logger == nil {
		logger = slog.Default()
	}
	return &Space{
		wake:   make(chan struct{}, 1),
		logger: logger.With("component", "eventspace"),
	}
}

// Register schedules fn. Without options it runs on the next poll.
func (s *Space) Register(fn Func, opts ...Option) (*Callback, error) {
	if fn == nil {
		return nil, fmt.Errorf("register: nil callback")
	}

	cb := &Callback{
		space:   s,
		fn:      fn,
		readyAt: time.Now(),
		done:    make(chan struct{}),
		index:   -1,
	}
	for _, opt := range opts {
		opt(cb)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.seq++
	cb.seq = s.seq
	heap.Push(&s.queue, cb)
	s.mu.Unlock()

	s.signal()
	return cb, nil
}

// Submit hands fn to the poll loop with no delay. It is the cross-goroutine
// delivery path used by transports and worker goroutines.
func (s *Space) Submit(fn Func) error {
	_, err := s.Register(fn)
	return err
}

// Cancel prevents cb from running. It returns true if the cancellation
// prevented execution and false if cb already ran or is running.
func (s *Space) Cancel(cb *Callback) bool {
	if cb == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb.called {
		return false
	}
	if !cb.cancelled {
		cb.cancelled = true
		if cb.index >= 0 {
			heap.Remove(&s.queue, cb.index)
		}
		close(cb.done)
	}
	return true
}

// Pending returns the number of callbacks waiting to run.
func (s *Space) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Wakeup interrupts a blocked Poll. With cancelAll every pending callback is
// cancelled first.
func (s *Space) Wakeup(cancelAll bool) {
	s.mu.Lock()
	if cancelAll {
		s.cancelAllLocked()
	}
	s.woken = true
	s.mu.Unlock()
	s.signal()
}

// Stop refuses further registrations and cancels everything pending.
func (s *Space) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Wakeup(true)
}

// Reset stops the space, waits for goroutine callbacks still in flight and
// reopens it. Intended for test isolation.
func (s *Space) Reset() {
	s.Stop()
	s.threads.Wait()

	s.mu.Lock()
	s.stopped = false
	s.woken = false
	s.mu.Unlock()

	select {
	case <-s.wake:
	default:
	}
}

// Poll waits up to timeblock for callbacks to become ready, then runs every
// callback that is ready at the moment of collection. Callbacks execute
// without the space lock held, so they may register further callbacks.
// Poll reports whether anything fired.
func (s *Space) Poll(timeblock time.Duration) bool {
	deadline := time.Now().Add(timeblock)

	for {
		s.mu.Lock()
		now := time.Now()
		ready := s.collectLocked(now)
		if len(ready) > 0 {
			s.woken = false
			s.mu.Unlock()
			s.execute(ready)
			return true
		}
		if s.woken {
			s.woken = false
			s.mu.Unlock()
			return false
		}

		if !now.Before(deadline) {
			s.mu.Unlock()
			return false
		}
		wait := deadline.Sub(now)
		if s.queue.Len() > 0 {
			if next := s.queue[0].readyAt.Sub(now); next < wait {
				wait = next
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Run polls until ctx is done.
func (s *Space) Run(ctx context.Context, timeblock time.Duration) error {
	stop := context.AfterFunc(ctx, func() { s.Wakeup(false) })
	defer stop()

	for ctx.Err() == nil {
		s.Poll(timeblock)
	}
	return ctx.Err()
}

// collectLocked pops every callback whose ready time has arrived and marks
// it called, in ready order.
func (s *Space) collectLocked(now time.Time) []*Callback {
	var ready []*Callback
	for s.queue.Len() > 0 && !s.queue[0].readyAt.After(now) {
		cb := heap.Pop(&s.queue).(*Callback)
		cb.called = true
		if cb.inGoroutine {
			s.threads.Add(1)
		}
		ready = append(ready, cb)
	}
	return ready
}

func (s *Space) cancelAllLocked() {
	for _, cb := range s.queue {
		cb.cancelled = true
		cb.index = -1
		close(cb.done)
	}
	s.queue = s.queue[:0]
}

func (s *Space) execute(ready []*Callback) {
	for _, cb := range ready {
		if cb.inGoroutine {
			go func(cb *Callback) {
				defer s.threads.Done()
				s.invoke(cb)
			}(cb)
			continue
		}
		s.invoke(cb)
	}
}

func (s *Space) invoke(cb *Callback) {
	defer close(cb.done)
	defer func() {
		if r := recover(); r != nil {
			cb.err = fmt.Errorf("callback panicked: %v", r)
			s.logger.Error("callback panicked", "panic", r)
		}
	}()

	if err := cb.fn(); err != nil {
		cb.err = err
		s.logger.Warn("callback failed", "error", err)
	}
}

func (s *Space) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// callbackHeap orders callbacks by ready time, then registration order.
type callbackHeap []*Callback

func (h callbackHeap) Len() int { return len(h) }

func (h callbackHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h callbackHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callbackHeap) Push(x any) {
	cb := x.(*Callback)
	cb.index = len(*h)
	*h = append(*h, cb)
}

func (h *callbackHeap) Pop() any {
	old := *h
	n := len(old)
	cb := old[n-1]
	old[n-1] = nil
	cb.index = -1
	*h = old[:n-1]
	return cb
}
