package fibz

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// The process-wide schedule group, started lazily by the first call that
// needs workers.
var (
	globalGroup atomic.Pointer[ScheduleGroup]
	globalMu    sync.Mutex

	workerStartFn atomic.Pointer[func()]

	// Last worker targeted by a non-worker NoSignal burst, so a later
	// Flush from outside any fiber can drain it. A batch that is never
	// flushed gets no wakeup of its own: its fibers wait in the remote
	// queue until a worker awake for other work pops or steals them.
	nosignalTargetMu sync.Mutex
	nosignalTarget   *Worker
)

func getOrNewGroup() *ScheduleGroup {
	if g := globalGroup.Load(); g != nil {
		return g
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if g := globalGroup.Load(); g != nil {
		return g
	}
	cfg := currentConfig()
	g := newScheduleGroup(cfg, clockz.RealClock)
	g.init(cfg.Concurrency)
	globalGroup.Store(g)
	return g
}

// Group returns the global schedule group, starting it if needed. Use it
// to reach metrics, tracing, and fiber lifecycle hooks.
func Group() *ScheduleGroup {
	return getOrNewGroup()
}

// SetWorkerStartFn installs a function run by every worker goroutine
// before it starts scheduling. Must be set before workers spawn.
func SetWorkerStartFn(fn func()) error {
	if fn == nil {
		return ErrInvalid
	}
	workerStartFn.Store(&fn)
	return nil
}

func runWorkerStartFn() {
	if fn := workerStartFn.Load(); fn != nil {
		(*fn)()
	}
}

func startFromNonWorker(attr Attr, fn TaskFn, arg any) (FiberID, error) {
	g := getOrNewGroup()
	if attr.nosignal() {
		// NoSignal bursts stick to one worker: it maximizes the batch
		// and tells Flush where to go.
		nosignalTargetMu.Lock()
		w := nosignalTarget
		if w == nil || w.group != g {
			w = g.chooseOneWorker()
			nosignalTarget = w
		}
		nosignalTargetMu.Unlock()
		return w.startBackground(attr, fn, arg, true)
	}
	return g.chooseOneWorker().startBackground(attr, fn, arg, true)
}

// Start creates a fiber and runs it as soon as possible: a worker-fiber
// caller is preempted (and re-enqueued as runnable); any other caller
// gets background-start semantics. fc is the caller's context, nil when
// calling from a plain goroutine.
func Start(fc *FiberCtx, attr Attr, fn TaskFn, arg any) (FiberID, error) {
	if fc != nil {
		return startForeground(fc, attr, fn, arg)
	}
	return startFromNonWorker(attr, fn, arg)
}

// StartBackground creates a fiber and enqueues it without preempting the
// caller.
func StartBackground(fc *FiberCtx, attr Attr, fn TaskFn, arg any) (FiberID, error) {
	if fc != nil {
		return fc.w.startBackground(attr, fn, arg, false)
	}
	return startFromNonWorker(attr, fn, arg)
}

// Yield reschedules the calling fiber behind its peers. From a
// pthread-kind fiber it only yields the OS thread.
func Yield(fc *FiberCtx) {
	if fc == nil || fc.isPthread() {
		runtime.Gosched()
		return
	}
	fc.w = yield(fc.w)
}

// Sleep suspends the calling fiber for at least d. Stop and Interrupt
// cut it short with ErrStopped/ErrInterrupted. With a nil fc the calling
// goroutine just sleeps. pthread-kind fibers sleep uninterruptibly.
func Sleep(fc *FiberCtx, d time.Duration) error {
	if fc == nil {
		time.Sleep(d)
		return nil
	}
	return fiberSleep(fc, d)
}

// SleepUntil is Sleep with an absolute deadline.
func SleepUntil(fc *FiberCtx, deadline time.Time) error {
	var d time.Duration
	if fc != nil {
		d = deadline.Sub(fc.w.group.clock.Now())
	} else {
		d = time.Until(deadline)
	}
	if d <= 0 {
		Yield(fc)
		return nil
	}
	return Sleep(fc, d)
}

// Exit ends the calling fiber immediately; retval is what joiners see.
// Must be called from a fiber body (directly or below it).
func Exit(fc *FiberCtx, retval any) {
	if fc == nil {
		panic("fibz: Exit outside a fiber")
	}
	panic(fiberExit{value: retval})
}

// Self returns the calling fiber's id, or InvalidFiberID outside any
// fiber.
func Self(fc *FiberCtx) FiberID {
	if fc == nil {
		return InvalidFiberID
	}
	return fc.m.tid
}

// Equal reports whether two ids name the same fiber.
func Equal(a, b FiberID) bool { return a == b }

// Stop marks the fiber stopped and interrupts it: its current or next
// blocking call returns early, and Sleep reports ErrStopped.
func Stop(tid FiberID) error {
	setStopped(tid)
	return Interrupt(tid)
}

// Interrupt unblocks tid's current blocking call with ErrInterrupted.
// Idempotent: the interruption is remembered until consumed by the next
// blocking call. Join is the exception: it consumes the interruption and
// keeps waiting for the joined fiber.
func Interrupt(tid FiberID) error {
	return interruptFiber(tid, getOrNewGroup())
}

// Stopped reports whether tid is stopped. Stale and unknown ids read as
// stopped.
func Stopped(tid FiberID) bool { return isStopped(tid) }

// Join blocks until the fiber finishes and returns its body's return
// value. Joining self or an invalid id fails with ErrInvalid. The value
// is best-effort nil if the record was already recycled.
func Join(fc *FiberCtx, tid FiberID) (any, error) {
	return joinFiber(fc, tid)
}

// Exists reports whether tid names a live fiber at this instant. The
// answer may be stale by the time it is observed; don't gate waits on it.
func Exists(tid FiberID) bool { return fiberExists(tid) }

// GetAttr returns the attributes tid was created with.
func GetAttr(tid FiberID) (Attr, error) { return getAttr(tid) }

// Flush emits the wakeups batched by NoSignal enqueues: the calling
// fiber's worker's batch, or the remembered non-worker target's.
func Flush(fc *FiberCtx) {
	if fc != nil {
		fc.w.flushNosignalTasks()
		return
	}
	nosignalTargetMu.Lock()
	w := nosignalTarget
	nosignalTarget = nil
	nosignalTargetMu.Unlock()
	if w != nil {
		w.flushNosignalTasksRemote()
	}
}

// AboutToQuit hints that the calling fiber is ending soon, letting the
// scheduler skip its wakeup signal when it is re-enqueued. Fibers with
// FlagNeverQuit ignore it.
func AboutToQuit(fc *FiberCtx) {
	if fc == nil {
		return
	}
	if !fc.m.attr.neverQuit() {
		fc.m.aboutToQuit = true
	}
}

// GetConcurrency returns the worker count (configured, if not yet
// started).
func GetConcurrency() int {
	if g := globalGroup.Load(); g != nil {
		return g.Concurrency()
	}
	return currentConfig().Concurrency
}

// SetConcurrency sets the worker count. Before the runtime starts any
// value in [MinConcurrency, MaxConcurrency] is accepted; afterwards the
// count can only grow (ErrExhausted otherwise).
func SetConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return ErrInvalid
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	g := globalGroup.Load()
	if g == nil {
		configMu.Lock()
		globalConfig.Concurrency = n
		configMu.Unlock()
		return nil
	}
	cur := g.Concurrency()
	switch {
	case n < cur:
		return ErrExhausted
	case n == cur:
		return nil
	}
	g.targetConc.Store(int64(n))
	g.addWorkers(n - cur)
	return nil
}

// StopWorld stops the global runtime: pollers, workers, timers.
// Suspended fibers are abandoned. A later call starts a fresh runtime.
func StopWorld() {
	globalMu.Lock()
	g := globalGroup.Load()
	globalGroup.Store(nil)
	nosignalTargetMu.Lock()
	nosignalTarget = nil
	nosignalTargetMu.Unlock()
	globalMu.Unlock()
	if g != nil {
		g.StopAndJoin()
	}
}

// TimerAdd schedules fn(arg) to run at or after deadline on the timer
// goroutine. The callback must be cheap; start a fiber for real work.
func TimerAdd(deadline time.Time, fn func(arg any), arg any) (TimerID, error) {
	g := getOrNewGroup()
	id := g.timers.schedule(fn, arg, deadline)
	if id == 0 {
		return 0, ErrStopped
	}
	return id, nil
}

// TimerDel unschedules a timer. Deleting a timer that already ran or
// never existed succeeds; a timer whose callback is running right now
// reports ErrInvalid.
func TimerDel(id TimerID) error {
	g := globalGroup.Load()
	if g == nil {
		return ErrInvalid
	}
	err := g.timers.unschedule(id)
	if err == nil || err == ErrNotFound {
		return nil
	}
	return ErrInvalid
}

// FiberList tracks a set of fibers for bulk Stop/Join. Ids are validated
// on use, so recycled slots are skipped rather than misdirected.
type FiberList struct {
	mu   sync.Mutex
	tids []FiberID
}

// Add records a fiber. Dead ids are pruned lazily.
func (l *FiberList) Add(tid FiberID) {
	if tid == InvalidFiberID {
		return
	}
	l.mu.Lock()
	if len(l.tids) > 0 && len(l.tids)%64 == 0 {
		live := l.tids[:0]
		for _, t := range l.tids {
			if fiberExists(t) {
				live = append(live, t)
			}
		}
		l.tids = live
	}
	l.tids = append(l.tids, tid)
	l.mu.Unlock()
}

// StopAll stops every tracked fiber.
func (l *FiberList) StopAll() {
	l.mu.Lock()
	tids := append([]FiberID(nil), l.tids...)
	l.mu.Unlock()
	for _, t := range tids {
		_ = Stop(t) //nolint:errcheck
	}
}

// JoinAll joins every tracked fiber and forgets it.
func (l *FiberList) JoinAll(fc *FiberCtx) {
	l.mu.Lock()
	tids := l.tids
	l.tids = nil
	l.mu.Unlock()
	for _, t := range tids {
		_, _ = Join(fc, t) //nolint:errcheck
	}
}
