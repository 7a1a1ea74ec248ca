package fibz

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
)

// fiberPool holds every fiberEntity ever created. Slots recycle but the
// backing memory never shrinks; version checks reject stale ids.
var fiberPool = newResourcePool[fiberEntity](0)

func addressMeta(tid FiberID) *fiberEntity {
	return fiberPool.Deref(tidSlot(tid))
}

// Worker is an executor bound to one scheduling goroutine. It owns a
// local run queue, a remote queue for cross-thread handoff, the current
// fiber, and the deferred "remained" callback run right after the next
// context switch completes.
//
// Fields below the queues are owned by whichever context goroutine is
// currently driving the worker; the handoff through jumpStack orders
// their accesses.
type Worker struct {
	group    *ScheduleGroup
	rq       *workStealingQueue
	remoteRQ *remoteQueue
	pl       *parkingLot

	curMeta     *fiberEntity
	remained    func()
	lastPLState parkingState
	lastRunNS   int64
	stealSeed   uint64
	stealOffset uint64
	mainStack   *contextualStack
	mainTID     FiberID

	numNosignal       int // local batch, owner only
	remoteNumNosignal int // guarded by remoteRQ.mu

	nswitch            atomic.Int64
	nsignaled          atomic.Int64
	remoteNsignaled    atomic.Int64
	cumulatedCPUTimeNS atomic.Int64
}

func (g *ScheduleGroup) newWorker(serial int) (*Worker, error) {
	capacity := g.cfg.RunQueueCapacity
	w := &Worker{
		group:       g,
		rq:          newWorkStealingQueue(capacity),
		remoteRQ:    newRemoteQueue(capacity / 2),
		pl:          g.pl[serial%parkingLotNum],
		stealSeed:   fastRandom(),
		stealOffset: stealOffsets[serial%len(stealOffsets)],
		lastRunNS:   g.clock.Now().UnixNano(),
	}
	w.lastPLState = w.pl.getState()

	slot, m := fiberPool.Acquire()
	if m == nil {
		return nil, ErrNoMemory
	}
	initEntitySlot(m, slot)
	m.stop.Store(false)
	m.interrupted.Store(false)
	m.aboutToQuit = false
	m.fn = nil
	m.arg = nil
	m.retval = nil
	m.local = nil
	m.cpuwideStartNS = g.clock.Now().UnixNano()
	m.stat = FiberStats{}
	m.attr = attrMain
	m.tid = makeTID(m.version(), slot)
	stk := g.stacks.getStack(StackMain)
	m.setStack(stk)

	w.curMeta = m
	w.mainTID = m.tid
	w.mainStack = stk
	return w, nil
}

// initEntitySlot sets up the slot-persistent fields on first use.
func initEntitySlot(m *fiberEntity, slot uint32) {
	if m.versionEvent == nil {
		ve := NewEvent()
		ve.Store(1)
		m.versionEvent = ve
		m.slot = slot
	}
}

// runMainTask is the scheduling loop, run on the worker's own goroutine.
func (w *Worker) runMainTask() {
	cur := w
	var tid FiberID
	for cur.waitTask(&tid) {
		cur = schedToID(cur, tid)
		if cur.curMeta.tid != cur.mainTID {
			// pthread-kind fiber sharing our context: run it inline.
			taskRunner(cur, true)
		}
	}
	// Account the elapse of the last wait.
	cur.curMeta.stat.CPUTimeNS += cur.group.clock.Now().UnixNano() - cur.lastRunNS
}

// waitTask parks until a runnable fiber appears or the group stops.
func (w *Worker) waitTask(tid *FiberID) bool {
	for {
		if w.lastPLState.stopped() {
			return false
		}
		w.pl.wait(w.lastPLState)
		if w.stealTask(tid) {
			return true
		}
	}
}

// stealTask drains our remote queue first, then steals from peers. The
// parking state is snapshotted before the group-wide steal so a signal
// racing the failed steal is caught by the next wait.
func (w *Worker) stealTask(tid *FiberID) bool {
	if w.remoteRQ.pop(tid) {
		return true
	}
	w.lastPLState = w.pl.getState()
	return w.group.stealTask(tid, &w.stealSeed, w.stealOffset)
}

func (w *Worker) setRemained(fn func()) {
	w.remained = fn
}

func (w *Worker) drainRemained() {
	for w.remained != nil {
		fn := w.remained
		w.remained = nil
		fn()
	}
}

// taskRunner runs fibers on the current context until the worker returns
// to its scheduling loop. skipRemained is set when called directly from
// runMainTask, whose schedTo already drained the callbacks.
func taskRunner(w *Worker, skipRemained bool) {
	if !skipRemained {
		w.drainRemained()
	}
	for {
		m := w.curMeta
		fc := &FiberCtx{w: w, m: m}
		ret := runFiberBody(fc, m)
		w = fc.w

		if m.attr.logStartAndFinish() {
			capitan.Info(context.Background(), SignalFiberFinished,
				FieldFiberID.Field(int(m.tid)),
				FieldCPUTimeMS.Field(float64(m.stat.CPUTimeNS)/1e6),
			)
		}
		// Local storage must go before the version bump so joiners see
		// its teardown.
		m.releaseLocal()
		m.retval = ret

		finished := FiberEvent{
			ID:        m.tid,
			StackKind: m.attr.StackKind,
			Result:    ret,
			CPUTimeNS: m.stat.CPUTimeNS,
			Switches:  m.stat.NSwitch,
			Timestamp: w.group.clock.Now(),
		}

		// Bump the version and release joiners. A wrap to zero is
		// skipped so ids are never zero.
		m.versionLock.Lock()
		if m.versionEvent.Add(1) == 0 {
			m.versionEvent.Add(1)
		}
		m.versionLock.Unlock()
		m.versionEvent.WakeExcept(fc, 0)

		w.group.emitFiberFinished(finished)

		grp := w.group
		w.setRemained(func() { releaseLastContext(m, grp) })
		w = endingSched(w)

		if w.curMeta.tid == w.mainTID {
			return
		}
	}
}

func runFiberBody(fc *FiberCtx, m *fiberEntity) (ret any) {
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(fiberExit); ok {
				ret = ex.value
				return
			}
			// Anything else is fatal, as with OS threads.
			panic(r)
		}
	}()
	return m.fn(fc, m.arg)
}

// releaseLastContext is the remained callback freeing a completed
// fiber's context and slot once the next context is running.
func releaseLastContext(m *fiberEntity, g *ScheduleGroup) {
	if m.stackKind() != StackPthread {
		g.stacks.returnStack(m.releaseStack())
	} else {
		// Shared scheduling context; never pooled.
		m.setStack(nil)
	}
	fiberPool.Release(m.slot)
}

// sched suspends the caller and runs the next fiber: local queue, then
// steal, then the scheduling loop.
func sched(w *Worker) *Worker {
	var next FiberID
	if !w.rq.pop(&next) && !w.stealTask(&next) {
		next = w.mainTID
	}
	return schedToID(w, next)
}

// endingSched is sched for a completing fiber: the next fiber may take
// over the current context directly when kinds match, skipping a jump.
func endingSched(w *Worker) *Worker {
	var next FiberID
	if !w.rq.pop(&next) && !w.stealTask(&next) {
		next = w.mainTID
	}
	cur := w.curMeta
	nextMeta := addressMeta(next)
	if nextMeta.stack == nil {
		if nextMeta.stackKind() == cur.stackKind() {
			nextMeta.setStack(cur.releaseStack())
		} else if stk := w.group.stacks.getStack(nextMeta.stackKind()); stk != nil {
			nextMeta.setStack(stk)
		} else {
			nextMeta.attr.StackKind = StackPthread
			nextMeta.setStack(w.mainStack)
		}
	}
	return schedTo(w, nextMeta)
}

func schedToID(w *Worker, tid FiberID) *Worker {
	next := addressMeta(tid)
	if next.stack == nil {
		if stk := w.group.stacks.getStack(next.stackKind()); stk != nil {
			next.setStack(stk)
		} else {
			// StackPthread gets no context: share our scheduling context.
			next.attr.StackKind = StackPthread
			next.setStack(w.mainStack)
		}
	}
	return schedTo(w, next)
}

// schedTo switches to next and returns the worker driving us when we
// eventually resume. The remained callback runs on the destination
// context before anything else.
func schedTo(w *Worker, next *fiberEntity) *Worker {
	cur := w.curMeta
	now := w.group.clock.Now().UnixNano()
	elp := now - w.lastRunNS
	w.lastRunNS = now
	cur.stat.CPUTimeNS += elp
	if cur.tid != w.mainTID {
		w.cumulatedCPUTimeNS.Add(elp)
	}
	cur.stat.NSwitch++
	w.nswitch.Add(1)
	w.group.metrics.Counter(FiberSwitchesTotal).Inc()

	if next != cur {
		w.curMeta = next
		if cur.attr.logContextSwitch() || next.attr.logContextSwitch() {
			capitan.Info(context.Background(), SignalFiberSwitch,
				FieldFromFiber.Field(int(cur.tid)),
				FieldToFiber.Field(int(next.tid)),
			)
		}
		if cur.stack != nil && next.stack != cur.stack {
			w = jumpStack(cur.stack, next.stack, w)
		}
	} else {
		capitan.Error(context.Background(), SignalSchedRecursion,
			FieldFiberID.Field(int(cur.tid)))
	}

	w.drainRemained()
	return w
}

// exchange suspends the caller, pushes it back as runnable, and switches
// to next immediately, skipping the run queue.
func exchange(w *Worker, next FiberID) *Worker {
	if w.curMeta.stack == w.mainStack {
		// pthread-kind caller cannot switch away mid-run.
		w.readyToRun(next, false)
		return w
	}
	cur := w.curMeta.tid
	quitting := w.curMeta.aboutToQuit
	w.setRemained(func() {
		if quitting {
			w.pushRQ(cur)
		} else {
			w.readyToRun(cur, false)
		}
	})
	return schedToID(w, next)
}

// yield pushes the caller back and runs whatever is next.
func yield(w *Worker) *Worker {
	cur := w.curMeta.tid
	w.setRemained(func() { w.readyToRun(cur, false) })
	return sched(w)
}

// pushRQ must not drop work: a full queue flushes pending wakeups and
// backs off briefly before retrying.
func (w *Worker) pushRQ(tid FiberID) {
	for !w.rq.push(tid) {
		w.flushNosignalTasks()
		capitan.Warn(context.Background(), SignalRunQueueFull,
			FieldCapacity.Field(w.rq.capacity()))
		<-w.group.clock.After(time.Millisecond)
	}
}

// readyToRun enqueues locally. nosignal batches the wakeup with a later
// signaled enqueue or an explicit flush.
func (w *Worker) readyToRun(tid FiberID, nosignal bool) {
	w.pushRQ(tid)
	if nosignal {
		w.numNosignal++
		return
	}
	additional := w.numNosignal
	w.numNosignal = 0
	w.nsignaled.Add(int64(1 + additional))
	w.group.signalTask(1 + additional)
}

func (w *Worker) flushNosignalTasks() {
	val := w.numNosignal
	if val == 0 {
		return
	}
	w.numNosignal = 0
	w.nsignaled.Add(int64(val))
	w.group.signalTask(val)
}

// readyToRunRemote enqueues from any goroutine. A full queue flushes
// batched wakeups and backs off with the producer mutex released.
func (w *Worker) readyToRunRemote(tid FiberID, nosignal bool) {
	w.remoteRQ.mu.Lock()
	for !w.remoteRQ.pushLocked(tid) {
		w.flushNosignalTasksRemoteLocked()
		capitan.Warn(context.Background(), SignalRunQueueFull,
			FieldCapacity.Field(w.remoteRQ.capacity()))
		<-w.group.clock.After(time.Millisecond)
		w.remoteRQ.mu.Lock()
	}
	if nosignal {
		w.remoteNumNosignal++
		w.remoteRQ.mu.Unlock()
		return
	}
	additional := w.remoteNumNosignal
	w.remoteNumNosignal = 0
	w.remoteNsignaled.Add(int64(1 + additional))
	w.remoteRQ.mu.Unlock()
	w.group.signalTask(1 + additional)
}

// flushNosignalTasksRemoteLocked expects remoteRQ.mu held and releases it.
func (w *Worker) flushNosignalTasksRemoteLocked() {
	val := w.remoteNumNosignal
	if val == 0 {
		w.remoteRQ.mu.Unlock()
		return
	}
	w.remoteNumNosignal = 0
	w.remoteNsignaled.Add(int64(val))
	w.remoteRQ.mu.Unlock()
	w.group.signalTask(val)
}

func (w *Worker) flushNosignalTasksRemote() {
	w.remoteRQ.mu.Lock()
	w.flushNosignalTasksRemoteLocked()
}

// readyToRunGeneral picks the local path when the caller is this worker.
func (w *Worker) readyToRunGeneral(caller *Worker, tid FiberID, nosignal bool) {
	if caller == w {
		w.readyToRun(tid, nosignal)
		return
	}
	w.readyToRunRemote(tid, nosignal)
}

func (w *Worker) flushNosignalTasksGeneral(caller *Worker) {
	if caller == w {
		w.flushNosignalTasks()
		return
	}
	w.flushNosignalTasksRemote()
}

// startForeground creates a fiber and switches to it at once, pushing
// the caller back as runnable. The new fiber's NoSignal flag governs how
// the caller is re-enqueued, not the new fiber.
func startForeground(fc *FiberCtx, attr Attr, fn TaskFn, arg any) (FiberID, error) {
	w := fc.w
	m, tid, err := w.group.newFiber(fn, arg, attr)
	if err != nil {
		return InvalidFiberID, err
	}
	if fc.isPthread() {
		// Never switch away from a shared scheduling context.
		w.readyToRun(tid, m.attr.nosignal())
		return tid, nil
	}
	curTid := fc.m.tid
	nosignal := m.attr.nosignal()
	quitting := fc.m.aboutToQuit
	w.setRemained(func() {
		if quitting {
			w.pushRQ(curTid)
		} else {
			w.readyToRun(curTid, nosignal)
		}
	})
	fc.w = schedToID(w, tid)
	return tid, nil
}

// startBackground creates a fiber and enqueues it without preempting the
// caller. remote selects the cross-thread queue.
func (w *Worker) startBackground(attr Attr, fn TaskFn, arg any, remote bool) (FiberID, error) {
	m, tid, err := w.group.newFiber(fn, arg, attr)
	if err != nil {
		return InvalidFiberID, err
	}
	if remote {
		w.readyToRunRemote(tid, m.attr.nosignal())
	} else {
		w.readyToRun(tid, m.attr.nosignal())
	}
	return tid, nil
}

type sleepArg struct {
	grp *ScheduleGroup
	tid FiberID
}

func readyToRunFromTimer(arg any) {
	a := arg.(sleepArg)
	// A stopped group abandons its sleepers.
	if w := a.grp.tryChooseOneWorker(); w != nil {
		w.readyToRunRemote(a.tid, false)
	}
}

// addSleepEvent runs as the remained callback of a sleeping fiber: the
// timer must be armed only after the fiber has switched away, or it
// could wake a still-running context.
func addSleepEvent(w *Worker, m *fiberEntity, tid FiberID, deadline time.Time) {
	grp := w.group
	sleepID := grp.timers.schedule(readyToRunFromTimer, sleepArg{grp, tid}, deadline)
	if sleepID == 0 {
		// Timer service down; resume immediately.
		w.readyToRun(tid, false)
		return
	}
	given := tidVersion(tid)
	m.versionLock.Lock()
	if given == m.version() && !m.interrupted.Load() {
		m.currentSleep = sleepID
		m.versionLock.Unlock()
		return
	}
	m.versionLock.Unlock()
	// Already stopped or interrupted. An interrupter saw currentSleep ==
	// 0 and will not reschedule us; whoever unschedules the timer first
	// re-enqueues.
	if grp.timers.unschedule(sleepID) == nil {
		w.readyToRun(tid, false)
	}
}

// fiberSleep suspends the calling fiber for span. Interrupt cuts the
// sleep short with ErrInterrupted, or ErrStopped for stopped fibers.
// pthread-kind fibers block their worker and cannot be interrupted.
func fiberSleep(fc *FiberCtx, span time.Duration) error {
	if span <= 0 {
		if !fc.isPthread() {
			fc.w = yield(fc.w)
		}
		return nil
	}
	if fc.isPthread() {
		<-fc.w.group.clock.After(span)
		return nil
	}
	w := fc.w
	m := fc.m
	tid := m.tid
	deadline := w.group.clock.Now().Add(span)
	w.setRemained(func() { addSleepEvent(w, m, tid, deadline) })
	fc.w = sched(w)

	m.versionLock.Lock()
	m.currentSleep = 0
	interrupted := m.interrupted.Swap(false)
	stopped := m.stop.Load()
	m.versionLock.Unlock()
	if interrupted {
		if stopped {
			return ErrStopped
		}
		return ErrInterrupted
	}
	return nil
}

// interruptFiber consumes the target's active waiter or sleep under its
// version lock, marks it interrupted, and unblocks it. Idempotent; races
// with wait, sleep, and completion resolve to exactly one wakeup.
func interruptFiber(tid FiberID, grp *ScheduleGroup) error {
	m := addressMeta(tid)
	if m == nil {
		return ErrInvalid
	}
	given := tidVersion(tid)
	m.versionLock.Lock()
	if given != m.version() {
		m.versionLock.Unlock()
		return ErrInvalid
	}
	bw := m.currentWaiter.Swap(nil)
	sleepID := m.currentSleep
	m.currentSleep = 0 // only one interrupter takes the sleep
	m.interrupted.Store(true)
	m.versionLock.Unlock()

	// A fiber waits on at most one primitive at a time.
	if bw != nil && sleepID != 0 {
		panic("fibz: fiber with both an event waiter and a sleep")
	}
	if bw != nil {
		eraseFromEventBecauseOfInterruption(bw)
		// Put the waiter back: the wait path spins until it can take it.
		if err := setEventWaiter(tid, bw); err != nil {
			return err
		}
	} else if sleepID != 0 {
		if grp.timers.unschedule(sleepID) == nil {
			if w := grp.tryChooseOneWorker(); w != nil {
				w.readyToRunRemote(tid, false)
			}
		}
		// ErrBusy/ErrNotFound: the timer callback re-enqueues.
	}
	return nil
}

func setEventWaiter(tid FiberID, bw *eventWaiter) error {
	m := addressMeta(tid)
	if m == nil {
		return ErrInvalid
	}
	given := tidVersion(tid)
	m.versionLock.Lock()
	defer m.versionLock.Unlock()
	if given == m.version() {
		m.currentWaiter.Store(bw)
		return nil
	}
	return ErrInvalid
}

func setStopped(tid FiberID) {
	m := addressMeta(tid)
	if m == nil {
		return
	}
	given := tidVersion(tid)
	m.versionLock.Lock()
	if given == m.version() {
		m.stop.Store(true)
	}
	m.versionLock.Unlock()
}

func isStopped(tid FiberID) bool {
	m := addressMeta(tid)
	if m != nil {
		given := tidVersion(tid)
		m.versionLock.Lock()
		defer m.versionLock.Unlock()
		if given == m.version() {
			return m.stop.Load()
		}
	}
	// Unknown or stale ids read as stopped.
	return true
}

func getAttr(tid FiberID) (Attr, error) {
	m := addressMeta(tid)
	if m != nil {
		given := tidVersion(tid)
		m.versionLock.Lock()
		defer m.versionLock.Unlock()
		if given == m.version() {
			return m.attr, nil
		}
	}
	return Attr{}, ErrInvalid
}

func fiberExists(tid FiberID) bool {
	if tid == InvalidFiberID {
		return false
	}
	m := addressMeta(tid)
	return m != nil && m.version() == tidVersion(tid)
}

// joinFiber waits until the fiber's version moves past the id's. The
// returned value is the body's return, best-effort: it reads as nil if
// the slot was already recycled.
func joinFiber(fc *FiberCtx, tid FiberID) (any, error) {
	if tid == InvalidFiberID {
		return nil, ErrInvalid
	}
	m := addressMeta(tid)
	if m == nil {
		return nil, ErrInvalid
	}
	if fc != nil && fc.m.tid == tid {
		// Joining self waits forever.
		return nil, ErrInvalid
	}
	expected := tidVersion(tid)
	for m.version() == expected {
		err := m.versionEvent.Wait(fc, int32(expected))
		if err != nil && err != ErrWouldBlock && err != ErrInterrupted {
			return nil, err
		}
	}
	done := expected + 1
	if done == 0 {
		done = 1
	}
	var rv any
	m.versionLock.Lock()
	if m.version() == done {
		rv = m.retval
	}
	m.versionLock.Unlock()
	return rv, nil
}
