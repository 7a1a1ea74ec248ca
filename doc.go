// Package fibz is an M:N cooperative fiber runtime: it multiplexes a
// large number of lightweight tasks ("fibers") onto a fixed fleet of
// worker goroutines, with futex-style waitable events, a heap-ordered
// timer service, and fiber-aware fd readiness waiting.
//
// # Execution model
//
// Fibers are cooperatively scheduled: a context switch happens only at
// completion, Yield, Sleep, Join, event Wait, FdWait, the initial
// switch of Start, and the direct handoff when a fiber wakes another
// through WakeOne, WakeAll or Requeue. Each worker owns a lock-free local run queue and a
// mutex-guarded remote queue for cross-thread handoff; idle workers
// steal from peers and park on a shared parking lot. Fibers run on
// pooled execution contexts handed between workers, so a fiber may
// resume on a different worker than the one it parked on.
//
// Fiber bodies receive a *FiberCtx that must be threaded through every
// blocking call:
//
//	tid, err := fibz.StartBackground(nil, fibz.AttrNormal,
//	    func(fc *fibz.FiberCtx, arg any) any {
//	        fibz.Sleep(fc, 10*time.Millisecond)
//	        return arg
//	    }, 42)
//	ret, err := fibz.Join(nil, tid) // ret == 42
//
// A nil FiberCtx means the caller is a plain goroutine: starts route
// through a random worker's remote queue and waits block the goroutine
// in place.
//
// # Waitable events
//
// Event is a futex analog shared between fibers and plain goroutines:
// Wait parks the caller only while the event's 32-bit value equals the
// expected value; WakeOne, WakeAll, WakeExcept and Requeue release
// waiters. Join and FdWait are built on it; Sleep uses the timer
// service directly.
//
// # Cancellation
//
// Interrupt marks a fiber so its current or next blocking call returns
// ErrInterrupted (Join excepted: it consumes the interruption and keeps
// waiting); Stop is a sticky interrupt that promotes Sleep's return to
// ErrStopped. Both race safely against wait, sleep, fd wait and
// completion. Fibers created with AttrPthread run inline on their
// worker's scheduling context and cannot be interrupted mid-sleep.
//
// # Observability
//
// The runtime emits capitan signals (per-fiber logging is opt-in through
// Attr flags), keeps metricz counters, exposes tracez spans for cold
// paths, and fires hookz events on fiber start/finish; see
// Group().Metrics, Group().Tracer, Group().OnFiberFinished.
package fibz
