// Package eventspace schedules callbacks for the agent's single poll loop.
//
// # Overview
//
// Every protocol state transition in the agent runs on one goroutine: the one
// calling Poll (usually through Run). Other goroutines (transport readers,
// worker pool goroutines, detached jobs) never touch protocol objects
// directly; they hand work to the poll loop with Submit or Register.
//
//	space := eventspace.New(logger)
//	cb, err := space.Register(fn, eventspace.WithDelay(5*time.Second))
//	...
//	cb.Cancel()
//
// # Ordering
//
// Callbacks are kept in a min-heap keyed by ready time. Poll takes a snapshot
// of everything ready under the lock, releases it, and runs the snapshot in
// ready order. Callbacks with the same ready time have no ordering guarantee
// callers may rely on.
//
// # Goroutine Callbacks
//
// InGoroutine callbacks get a dedicated goroutine when they become ready.
// Reset waits for those goroutines before reopening the space.
//
// # Cancellation
//
// Cancel returns true only if it prevented execution. Once a callback has
// been collected by Poll, Cancel returns false.
package eventspace
