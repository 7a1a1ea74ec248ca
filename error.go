package fibz

import "errors"

// Errors returned across the public boundary. Blocking primitives report
// wait outcomes (ErrTimedOut, ErrWouldBlock, ErrInterrupted, ErrStopped)
// as normal returns, not failures; callers are expected to branch on them
// with errors.Is.
var (
	// ErrInvalid reports an argument error: an unknown or stale fiber id,
	// a nil task body, a self-join, or an out-of-range configuration value.
	ErrInvalid = errors.New("fibz: invalid argument")

	// ErrNoMemory reports that a fixed-size pool (fiber slots, events)
	// could not produce a record.
	ErrNoMemory = errors.New("fibz: out of memory")

	// ErrTimedOut reports that a deadline passed before the awaited
	// condition occurred.
	ErrTimedOut = errors.New("fibz: timed out")

	// ErrInterrupted reports that the fiber was interrupted while blocked
	// (or carried a pending interruption into the blocking call).
	ErrInterrupted = errors.New("fibz: interrupted")

	// ErrStopped reports an interruption of a fiber whose stop flag is
	// set. Sleep promotes ErrInterrupted to ErrStopped for such fibers.
	ErrStopped = errors.New("fibz: stopped")

	// ErrWouldBlock reports that an event's value did not match the
	// expected value, so the waiter was never parked.
	ErrWouldBlock = errors.New("fibz: would block")

	// ErrBadFD reports a wait on a closed or invalid file descriptor.
	ErrBadFD = errors.New("fibz: bad file descriptor")

	// ErrExhausted reports a worker-count request the running group
	// cannot satisfy: SetConcurrency below the current worker count.
	ErrExhausted = errors.New("fibz: resource exhausted")

	// ErrNotFound reports an unschedule of a timer that already fired or
	// never existed.
	ErrNotFound = errors.New("fibz: not found")

	// ErrBusy reports an unschedule of a timer whose callback is running
	// right now.
	ErrBusy = errors.New("fibz: busy")
)
