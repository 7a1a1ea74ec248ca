package fibz

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/metricz"
)

// Metric keys for event wakeups.
const (
	EventWakeupsTotal = metricz.Key("event.wakeups.total")
)

// Waits shorter than minSleep return ErrTimedOut without parking;
// suspending for less is useless.
const minSleep = 2 * time.Microsecond

type waiterState uint8

const (
	waiterNone waiterState = iota
	waiterReady
	waiterTimedOut
	waiterUnmatched
	waiterInterrupted
)

// eventWaiter is one parked waiter. tid == 0 marks a plain-goroutine
// waiter signalled through sig; otherwise the fiber fields apply. The
// node lives in the waiter's own frame for the duration of one wait;
// membership in an event's list is determined solely by container.
type eventWaiter struct {
	prev, next *eventWaiter
	tid        FiberID
	container  atomic.Pointer[Event]

	// fiber waiter
	meta         *fiberEntity
	sleepID      TimerID
	state        waiterState
	expected     int32
	initialEvent *Event
	group        *ScheduleGroup
	deadline     time.Time
	hasDeadline  bool

	// plain-goroutine waiter
	sig chan struct{}
}

// Event is a futex analog: a 32-bit value plus a list of waiters, with
// wait-if-equal semantics shared between fibers and plain goroutines.
//
// Events are allocated from a pool that never returns memory, so a wake
// racing a Destroy lands on live memory at worst as a spurious wakeup of
// whoever reuses the record; waiters tolerate this by re-checking their
// condition. See NewEvent.
type Event struct {
	value      atomic.Int32
	waiterLock sync.Mutex
	head, tail *eventWaiter
	seq        uint64 // creation order, used for two-lock ordering; persistent
	slot       uint32 // pool slot; persistent
}

var (
	eventPool = newResourcePool[Event](0)
	eventSeq  atomic.Uint64
)

// NewEvent allocates an event with value 0. The backing memory is pooled
// and never freed: a waker holding a stale *Event cannot fault, only
// cause a tolerated spurious wakeup on a recycled record.
func NewEvent() *Event {
	slot, e := eventPool.Acquire()
	if e == nil {
		return nil
	}
	if e.seq == 0 {
		e.seq = eventSeq.Add(1)
		e.slot = slot
	}
	e.value.Store(0)
	return e
}

// Destroy recycles the event. The caller must guarantee no new waits
// will start; concurrent wakes are tolerated per the pooling contract.
func (e *Event) Destroy() {
	if e == nil {
		return
	}
	eventPool.Release(e.slot)
}

// Load returns the current value.
func (e *Event) Load() int32 { return e.value.Load() }

// Store sets the value. Publish the value before waking so waiters
// observe it on return.
func (e *Event) Store(v int32) { e.value.Store(v) }

// Add adds delta to the value and returns the new value.
func (e *Event) Add(delta int32) int32 { return e.value.Add(delta) }

// intrusive list ops; waiterLock held.

func (e *Event) pushBack(w *eventWaiter) {
	w.prev = e.tail
	w.next = nil
	if e.tail != nil {
		e.tail.next = w
	} else {
		e.head = w
	}
	e.tail = w
}

func (e *Event) remove(w *eventWaiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		e.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		e.tail = w.prev
	}
	w.prev = nil
	w.next = nil
}

func (e *Event) popFront() *eventWaiter {
	w := e.head
	if w != nil {
		e.remove(w)
	}
	return w
}

func spinYield(i int) {
	if i%30 == 29 {
		runtime.Gosched()
	}
}

// Wait blocks until the event is woken, provided its value still equals
// expected; otherwise it returns ErrWouldBlock immediately. fc names the
// calling fiber; nil means the caller is a plain goroutine and blocks in
// place.
func (e *Event) Wait(fc *FiberCtx, expected int32) error {
	return e.waitUntil(fc, expected, time.Time{}, false)
}

// WaitUntil is Wait with a deadline. A deadline within minSleep of now
// returns ErrTimedOut without parking.
func (e *Event) WaitUntil(fc *FiberCtx, expected int32, deadline time.Time) error {
	return e.waitUntil(fc, expected, deadline, true)
}

func (e *Event) waitUntil(fc *FiberCtx, expected int32, deadline time.Time, hasDeadline bool) error {
	grp := getOrNewGroup()
	if hasDeadline && deadline.Sub(grp.clock.Now()) <= minSleep {
		return ErrTimedOut
	}
	if e.value.Load() != expected {
		return ErrWouldBlock
	}
	if fc == nil || fc.isPthread() {
		return e.waitPthread(fc, expected, deadline, hasDeadline, grp)
	}

	w := fc.w
	m := fc.m
	bw := eventWaiter{
		tid:          m.tid,
		meta:         m,
		state:        waiterReady,
		expected:     expected,
		initialEvent: e,
		group:        w.group,
		deadline:     deadline,
		hasDeadline:  hasDeadline,
	}
	// Publishing the waiter makes the fiber interruptible; the store
	// orders before interrupt's exchange.
	m.currentWaiter.Store(&bw)
	w.setRemained(func() { waitForEvent(&bw, w) })
	fc.w = sched(w)

	// The deadline callback may still be touching bw; wait it out.
	tt := bw.group.timers
	for i := 0; unsleepIfNecessary(&bw, tt) == ErrBusy; i++ {
		spinYield(i)
	}
	// If an interrupter holds the waiter, wait until it is put back.
	for i := 0; m.currentWaiter.Swap(nil) == nil; i++ {
		spinYield(i)
	}

	interrupted := m.interrupted.Swap(false)
	switch {
	case bw.state == waiterTimedOut:
		return ErrTimedOut
	case bw.state == waiterUnmatched:
		return ErrWouldBlock
	case interrupted:
		return ErrInterrupted
	}
	return nil
}

// waitForEvent runs as the remained callback after the waiter's fiber
// has switched away. Linking happens only if the value still matches;
// this re-check under the event lock is what makes wait-if-equal exact.
func waitForEvent(bw *eventWaiter, w *Worker) {
	b := bw.initialEvent
	b.waiterLock.Lock()
	if b.value.Load() != bw.expected {
		bw.state = waiterUnmatched
	} else if bw.state == waiterReady && !bw.meta.interrupted.Load() {
		b.pushBack(bw)
		bw.container.Store(b)
		// Re-check after publishing the link: an interrupter that still
		// saw a nil container relies on this side to notice the flag.
		if bw.meta.interrupted.Load() {
			b.remove(bw)
			bw.container.Store(nil)
		} else {
			if bw.hasDeadline {
				bw.sleepID = bw.group.timers.schedule(eraseFromEventAndWakeup, bw, bw.deadline)
				if bw.sleepID == 0 { // timer service stopped
					b.waiterLock.Unlock()
					eraseFromEventAndWakeup(bw)
					return
				}
			}
			b.waiterLock.Unlock()
			return
		}
	}
	b.waiterLock.Unlock()

	// Value unmatched or interruption won: the container is clear, so no
	// other path can touch bw. Reschedule the fiber.
	unsleepIfNecessary(bw, bw.group.timers)
	w.readyToRun(bw.tid, false)
}

// unsleepIfNecessary cancels the waiter's deadline timer. ErrBusy means
// the callback is running right now and still using the waiter.
func unsleepIfNecessary(bw *eventWaiter, tt *timerService) error {
	if bw.sleepID == 0 {
		return nil
	}
	if err := tt.unschedule(bw.sleepID); err == ErrBusy {
		return ErrBusy
	}
	bw.sleepID = 0
	return nil
}

// eraseFromEventAndWakeup is the deadline-timer callback. At most one
// path dequeues a waiter; losing the race is a no-op.
func eraseFromEventAndWakeup(arg any) {
	eraseFromEvent(arg.(*eventWaiter), true, waiterTimedOut)
}

func eraseFromEventBecauseOfInterruption(bw *eventWaiter) bool {
	return eraseFromEvent(bw, true, waiterInterrupted)
}

// eraseFromEvent unlinks bw from whatever event currently contains it.
// Must be a no-op when the container is already cleared: that is the
// whole arbitration between wakers, timers, timeouts and interrupts.
func eraseFromEvent(bw *eventWaiter, wakeup bool, state waiterState) bool {
	erased := false
	for {
		b := bw.container.Load()
		if b == nil {
			break
		}
		b.waiterLock.Lock()
		if bw.container.Load() == b {
			b.remove(bw)
			bw.container.Store(nil)
			if bw.tid != 0 {
				bw.state = state
			}
			b.waiterLock.Unlock()
			erased = true
			break
		}
		b.waiterLock.Unlock()
	}
	if erased && wakeup {
		if bw.tid != 0 {
			if w := bw.group.tryChooseOneWorker(); w != nil {
				w.readyToRunRemote(bw.tid, false)
			}
		} else {
			wakeupPthread(bw)
		}
	}
	return erased
}

func wakeupPthread(pw *eventWaiter) {
	select {
	case pw.sig <- struct{}{}:
	default:
	}
}

// waitPthread parks a plain goroutine (or a pthread-kind fiber, which
// blocks its worker by design) on the event.
func (e *Event) waitPthread(fc *FiberCtx, expected int32, deadline time.Time, hasDeadline bool, grp *ScheduleGroup) error {
	var task *fiberEntity
	pw := eventWaiter{group: grp, sig: make(chan struct{}, 1)}
	if fc != nil {
		task = fc.m
		task.currentWaiter.Store(&pw)
	}
	takeBack := func() {
		if task == nil {
			return
		}
		for i := 0; task.currentWaiter.Swap(nil) == nil; i++ {
			spinYield(i)
		}
	}

	e.waiterLock.Lock()
	if e.value.Load() != expected {
		e.waiterLock.Unlock()
		takeBack()
		return ErrWouldBlock
	}
	if task != nil && task.interrupted.Load() {
		e.waiterLock.Unlock()
		takeBack()
		task.interrupted.Store(false)
		return ErrInterrupted
	}
	e.pushBack(&pw)
	pw.container.Store(e)
	// Same re-check as waitForEvent: an interrupter that saw the
	// container still nil will not wake us.
	if task != nil && task.interrupted.Load() {
		e.remove(&pw)
		pw.container.Store(nil)
		e.waiterLock.Unlock()
		takeBack()
		task.interrupted.Store(false)
		return ErrInterrupted
	}
	e.waiterLock.Unlock()

	err := waitPthreadBlock(&pw, deadline, hasDeadline, grp)
	takeBack()
	if task != nil && task.interrupted.Swap(false) && err == nil {
		return ErrInterrupted
	}
	return err
}

func waitPthreadBlock(pw *eventWaiter, deadline time.Time, hasDeadline bool, grp *ScheduleGroup) error {
	for {
		if !hasDeadline {
			<-pw.sig
			return nil
		}
		d := deadline.Sub(grp.clock.Now())
		if d > minSleep {
			select {
			case <-pw.sig:
				return nil
			case <-grp.clock.After(d):
			}
		}
		// Deadline passed; race the wakers for the node.
		if !eraseFromEvent(pw, false, waiterTimedOut) {
			// Someone else dequeued us and will signal.
			<-pw.sig
			return nil
		}
		return ErrTimedOut
	}
}

// WakeOne wakes at most one waiter. When called from a worker fiber the
// woken fiber is switched to directly for latency; fc tracks the switch.
// Returns the number of waiters woken.
func (e *Event) WakeOne(fc *FiberCtx) int {
	e.waiterLock.Lock()
	front := e.popFront()
	if front == nil {
		e.waiterLock.Unlock()
		return 0
	}
	front.container.Store(nil)
	e.waiterLock.Unlock()

	if front.tid == 0 {
		wakeupPthread(front)
		return 1
	}
	unsleepIfNecessary(front, front.group.timers)
	front.group.metrics.Counter(EventWakeupsTotal).Inc()
	if fc != nil && !fc.isPthread() {
		fc.w = exchange(fc.w, front.tid)
	} else {
		front.group.chooseOneWorker().readyToRunRemote(front.tid, false)
	}
	return 1
}

// WakeAll wakes every waiter present when the list is detached. Fiber
// waiters beyond the first are enqueued nosignal on one worker and
// flushed as a single batched wakeup; the first is handed off directly
// when the caller is a worker fiber.
func (e *Event) WakeAll(fc *FiberCtx) int {
	var fibers, pthreads []*eventWaiter
	e.waiterLock.Lock()
	for w := e.popFront(); w != nil; w = e.popFront() {
		w.container.Store(nil)
		if w.tid != 0 {
			fibers = append(fibers, w)
		} else {
			pthreads = append(pthreads, w)
		}
	}
	e.waiterLock.Unlock()

	nwakeup := 0
	for _, pw := range pthreads {
		wakeupPthread(pw)
		nwakeup++
	}
	if len(fibers) == 0 {
		return nwakeup
	}
	next := fibers[0]
	unsleepIfNecessary(next, next.group.timers)
	nwakeup++

	var cur *Worker
	if fc != nil {
		cur = fc.w
	}
	g := next.group.workerOrChoose(cur)
	for i := len(fibers) - 1; i >= 1; i-- {
		w := fibers[i]
		unsleepIfNecessary(w, w.group.timers)
		g.readyToRunGeneral(cur, w.tid, true)
		nwakeup++
	}
	if len(fibers) > 1 {
		g.flushNosignalTasksGeneral(cur)
	}
	for range fibers {
		next.group.metrics.Counter(EventWakeupsTotal).Inc()
	}
	if fc != nil && !fc.isPthread() && g == cur {
		fc.w = exchange(fc.w, next.tid)
	} else {
		g.readyToRunRemote(next.tid, false)
	}
	return nwakeup
}

// WakeExcept is WakeAll minus one fiber, which stays parked. Used to
// release joiners when a fiber completes without waking the completing
// fiber's own waiter.
func (e *Event) WakeExcept(fc *FiberCtx, excluded FiberID) int {
	var fibers, pthreads []*eventWaiter
	var excludedWaiter *eventWaiter
	e.waiterLock.Lock()
	for w := e.popFront(); w != nil; w = e.popFront() {
		if w.tid != 0 {
			if w.tid != excluded {
				w.container.Store(nil)
				fibers = append(fibers, w)
			} else {
				excludedWaiter = w
			}
		} else {
			w.container.Store(nil)
			pthreads = append(pthreads, w)
		}
	}
	if excludedWaiter != nil {
		e.pushBack(excludedWaiter)
	}
	e.waiterLock.Unlock()

	nwakeup := 0
	for _, pw := range pthreads {
		wakeupPthread(pw)
		nwakeup++
	}
	if len(fibers) == 0 {
		return nwakeup
	}
	var cur *Worker
	if fc != nil {
		cur = fc.w
	}
	g := fibers[0].group.workerOrChoose(cur)
	for i := len(fibers) - 1; i >= 0; i-- {
		w := fibers[i]
		unsleepIfNecessary(w, w.group.timers)
		g.readyToRunGeneral(cur, w.tid, true)
		nwakeup++
	}
	g.flushNosignalTasksGeneral(cur)
	for range fibers {
		fibers[0].group.metrics.Counter(EventWakeupsTotal).Inc()
	}
	return nwakeup
}

// Requeue wakes the first waiter of e and splices the rest onto to.
// The two event locks are taken in creation order to avoid deadlock.
func (e *Event) Requeue(fc *FiberCtx, to *Event) int {
	first, second := e, to
	if second.seq < first.seq {
		first, second = second, first
	}
	first.waiterLock.Lock()
	if second != first {
		second.waiterLock.Lock()
	}
	front := e.popFront()
	if front == nil {
		if second != first {
			second.waiterLock.Unlock()
		}
		first.waiterLock.Unlock()
		return 0
	}
	front.container.Store(nil)
	for w := e.popFront(); w != nil; w = e.popFront() {
		to.pushBack(w)
		w.container.Store(to)
	}
	if second != first {
		second.waiterLock.Unlock()
	}
	first.waiterLock.Unlock()

	if front.tid == 0 {
		wakeupPthread(front)
		return 1
	}
	unsleepIfNecessary(front, front.group.timers)
	front.group.metrics.Counter(EventWakeupsTotal).Inc()
	if fc != nil && !fc.isPthread() {
		fc.w = exchange(fc.w, front.tid)
	} else {
		front.group.chooseOneWorker().readyToRunRemote(front.tid, false)
	}
	return 1
}
