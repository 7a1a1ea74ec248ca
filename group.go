package fibz

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for group-level observability.
const (
	FiberCreatedTotal  = metricz.Key("fiber.created.total")
	FiberSwitchesTotal = metricz.Key("fiber.switches.total")
	FiberSignalsTotal  = metricz.Key("fiber.signals.total")
	FiberStealsTotal   = metricz.Key("fiber.steals.total")
	WorkersCurrent     = metricz.Key("fiber.workers.current")
)

// Span names and tags for group lifecycle tracing.
const (
	SpanGroupInit = tracez.Key("group.init")
	SpanGroupStop = tracez.Key("group.stop")

	TagGroupWorkers = tracez.Tag("group.workers")

	// Hook event keys.
	HookFiberStarted  = hookz.Key("fiber.started")
	HookFiberFinished = hookz.Key("fiber.finished")
)

// FiberEvent is emitted via hooks when a fiber starts or finishes. The
// finish event carries the body's return value, which is otherwise only
// observable through Join.
type FiberEvent struct {
	ID        FiberID
	StackKind StackKind
	Result    any
	CPUTimeNS int64
	Switches  int64
	Timestamp time.Time
}

const parkingLotNum = 4

// Steal iteration strides, picked per worker by serial. A walk visits
// every peer only when its stride is coprime with the worker count; a
// stride sharing a factor with it (3 with 6 workers) probes a subset.
var stealOffsets = []uint64{1, 3, 5, 7, 11, 13, 17, 19}

func fastRandom() uint64 { return rand.Uint64() }

// ScheduleGroup is the fleet of workers for a process. It owns worker
// creation and teardown, routes work from non-worker goroutines, and is
// the only component that knows about all workers.
type ScheduleGroup struct {
	cfg    Config
	clock  clockz.Clock
	timers *timerService
	stacks *stackPool

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[FiberEvent]

	pl [parkingLotNum]*parkingLot

	mu           sync.Mutex // guards workers/retired modification and stop
	workers      []atomic.Pointer[Worker]
	nworkers     atomic.Int64
	concurrency  atomic.Int64
	targetConc   atomic.Int64
	workerSerial atomic.Int64
	stopped      bool
	retired      []*Worker
	wg           sync.WaitGroup

	pollers      atomic.Pointer[pollerSet]
	pollerInitMu sync.Mutex
}

func newScheduleGroup(cfg Config, clock clockz.Clock) *ScheduleGroup {
	g := &ScheduleGroup{
		cfg:     cfg,
		clock:   clock,
		metrics: metricz.New(),
		tracer:  tracez.New(),
		hooks:   hookz.New[FiberEvent](),
		workers: make([]atomic.Pointer[Worker], MaxConcurrency),
	}
	g.metrics.Counter(FiberCreatedTotal)
	g.metrics.Counter(FiberSwitchesTotal)
	g.metrics.Counter(FiberSignalsTotal)
	g.metrics.Counter(FiberStealsTotal)
	g.metrics.Counter(EventWakeupsTotal)
	g.metrics.Gauge(WorkersCurrent)
	for i := range g.pl {
		g.pl[i] = newParkingLot()
	}
	g.stacks = newStackPool(g, cfg.StackPoolCap)
	g.timers = newTimerService(clock, g.metrics)
	return g
}

// init starts concurrency workers and blocks until at least one is
// registered, so chooseOneWorker never comes up empty afterwards.
func (g *ScheduleGroup) init(concurrency int) {
	_, span := g.tracer.StartSpan(context.Background(), SpanGroupInit)
	defer span.Finish()
	g.targetConc.Store(int64(concurrency))
	for i := 0; i < concurrency; i++ {
		g.concurrency.Add(1)
		g.wg.Add(1)
		go g.workerThread()
	}
	for g.nworkers.Load() == 0 {
		time.Sleep(100 * time.Microsecond)
	}
	span.SetTag(TagGroupWorkers, strconv.Itoa(concurrency))
}

func (g *ScheduleGroup) workerThread() {
	defer g.wg.Done()
	runWorkerStartFn()
	serial := int(g.workerSerial.Add(1) - 1)
	w, err := g.newWorker(serial)
	if err != nil {
		capitan.Error(context.Background(), SignalWorkerStopped,
			FieldWorker.Field(serial))
		return
	}
	if !g.addWorker(w) {
		return
	}
	capitan.Info(context.Background(), SignalWorkerStarted,
		FieldWorker.Field(serial), FieldFiberID.Field(int(w.mainTID)))
	g.metrics.Gauge(WorkersCurrent).Set(float64(g.nworkers.Load()))

	w.runMainTask()

	capitan.Info(context.Background(), SignalWorkerStopped,
		FieldWorker.Field(serial),
		FieldCPUTimeMS.Field(float64(w.cumulatedCPUTimeNS.Load())/1e6))
	g.destroyWorker(w)
}

func (g *ScheduleGroup) addWorker(w *Worker) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	n := g.nworkers.Load()
	if n >= MaxConcurrency {
		g.mu.Unlock()
		return false
	}
	g.workers[n].Store(w)
	g.nworkers.Store(n + 1)
	g.mu.Unlock()
	// Newly discoverable queues may already hold work.
	g.signalTask(2)
	return true
}

// destroyWorker unpublishes a worker. The struct is kept reachable until
// WorkerDestroyDelay passes, outliving stealers that still hold it.
func (g *ScheduleGroup) destroyWorker(w *Worker) {
	erased := false
	g.mu.Lock()
	n := g.nworkers.Load()
	for i := int64(0); i < n; i++ {
		if g.workers[i].Load() == w {
			g.workers[i].Store(g.workers[n-1].Load())
			g.nworkers.Store(n - 1)
			erased = true
			break
		}
	}
	if erased {
		g.retired = append(g.retired, w)
	}
	g.mu.Unlock()
	if erased {
		g.timers.schedule(func(any) { g.pruneRetired(w) }, nil,
			g.clock.Now().Add(g.cfg.WorkerDestroyDelay))
	}
}

func (g *ScheduleGroup) pruneRetired(w *Worker) {
	g.mu.Lock()
	for i, r := range g.retired {
		if r == w {
			g.retired = append(g.retired[:i], g.retired[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
}

// chooseOneWorker returns a uniformly random live worker. Never nil once
// init returned.
func (g *ScheduleGroup) chooseOneWorker() *Worker {
	for {
		n := g.nworkers.Load()
		if n == 0 {
			panic("fibz: no workers in schedule group")
		}
		if w := g.workers[fastRandom()%uint64(n)].Load(); w != nil {
			return w
		}
	}
}

// tryChooseOneWorker is chooseOneWorker for callers that can drop the
// work when the group already stopped (timer callbacks, interrupters).
func (g *ScheduleGroup) tryChooseOneWorker() *Worker {
	for {
		n := g.nworkers.Load()
		if n == 0 {
			return nil
		}
		if w := g.workers[fastRandom()%uint64(n)].Load(); w != nil {
			return w
		}
	}
}

// workerOrChoose prefers the caller's own worker for locality.
func (g *ScheduleGroup) workerOrChoose(cur *Worker) *Worker {
	if cur != nil && cur.group == g {
		return cur
	}
	return g.chooseOneWorker()
}

// stealTask makes one probe per worker, starting at *seed and striding by
// offset. *seed is left where the walk stopped: at the victim after a
// successful steal, or n strides on after a full walk without one.
func (g *ScheduleGroup) stealTask(tid *FiberID, seed *uint64, offset uint64) bool {
	n := g.nworkers.Load()
	if n == 0 {
		return false
	}
	stolen := false
	s := *seed
	for i := int64(0); i < n; i, s = i+1, s+offset {
		w := g.workers[s%uint64(n)].Load()
		// nil slots show up during concurrent worker teardown.
		if w != nil {
			if w.rq.steal(tid) || w.remoteRQ.pop(tid) {
				stolen = true
				break
			}
		}
	}
	*seed = s
	if stolen {
		g.metrics.Counter(FiberStealsTotal).Inc()
	}
	return stolen
}

// signalTask wakes up to numTask parked workers. The count is capped at
// 2: waking more thrashes, and pending queues are discoverable by steal.
// When every lot was already awake and headroom remains, a worker is
// added instead.
func (g *ScheduleGroup) signalTask(numTask int) {
	if numTask <= 0 {
		return
	}
	if numTask > 2 {
		numTask = 2
	}
	g.metrics.Counter(FiberSignalsTotal).Inc()
	start := int(fastRandom() % parkingLotNum)
	numTask -= g.pl[start].signal(1)
	for i := 1; i < parkingLotNum && numTask > 0; i++ {
		start++
		if start >= parkingLotNum {
			start = 0
		}
		numTask -= g.pl[start].signal(1)
	}
	if numTask > 0 && g.cfg.SpareConcurrency > 0 &&
		g.concurrency.Load() < g.targetConc.Load()+int64(g.cfg.SpareConcurrency) {
		g.mu.Lock()
		headroom := !g.stopped &&
			g.concurrency.Load() < g.targetConc.Load()+int64(g.cfg.SpareConcurrency)
		g.mu.Unlock()
		if headroom {
			g.addWorkers(1)
		}
	}
}

// addWorkers spawns num more workers, up to MaxConcurrency. Returns the
// number actually added.
func (g *ScheduleGroup) addWorkers(num int) int {
	added := 0
	for i := 0; i < num; i++ {
		if g.concurrency.Load() >= MaxConcurrency {
			break
		}
		g.concurrency.Add(1)
		g.wg.Add(1)
		go g.workerThread()
		added++
	}
	return added
}

// Concurrency returns the number of workers.
func (g *ScheduleGroup) Concurrency() int {
	return int(g.concurrency.Load())
}

// StopAndJoin stops fd pollers (so no worker is parked inside an OS
// poll), unpublishes all workers, stops the parking lots, and joins the
// worker goroutines. Suspended fibers are abandoned.
func (g *ScheduleGroup) StopAndJoin() {
	_, span := g.tracer.StartSpan(context.Background(), SpanGroupStop)
	defer span.Finish()
	capitan.Info(context.Background(), SignalGroupStopping,
		FieldWorkers.Field(int(g.nworkers.Load())))

	if ps := g.pollers.Load(); ps != nil {
		ps.stop()
	}
	g.mu.Lock()
	g.stopped = true
	g.nworkers.Store(0)
	g.mu.Unlock()
	for i := range g.pl {
		g.pl[i].stop()
	}
	g.wg.Wait()
	g.stacks.drain()
	g.timers.stop()
	g.metrics.Gauge(WorkersCurrent).Set(0)
}

// Metrics returns the group's metric registry.
func (g *ScheduleGroup) Metrics() *metricz.Registry { return g.metrics }

// Tracer returns the group's tracer.
func (g *ScheduleGroup) Tracer() *tracez.Tracer { return g.tracer }

// OnFiberStarted registers a hook called when any fiber is created.
func (g *ScheduleGroup) OnFiberStarted(h func(context.Context, FiberEvent) error) error {
	_, err := g.hooks.Hook(HookFiberStarted, h)
	return err
}

// OnFiberFinished registers a hook called when any fiber completes; the
// event carries the body's return value.
func (g *ScheduleGroup) OnFiberFinished(h func(context.Context, FiberEvent) error) error {
	_, err := g.hooks.Hook(HookFiberFinished, h)
	return err
}

func (g *ScheduleGroup) emitFiberStarted(ev FiberEvent) {
	_ = g.hooks.Emit(context.Background(), HookFiberStarted, ev) //nolint:errcheck
}

func (g *ScheduleGroup) emitFiberFinished(ev FiberEvent) {
	_ = g.hooks.Emit(context.Background(), HookFiberFinished, ev) //nolint:errcheck
}

// CumulatedSwitchCount sums context switches across live workers.
func (g *ScheduleGroup) CumulatedSwitchCount() int64 {
	var c int64
	g.mu.Lock()
	n := g.nworkers.Load()
	for i := int64(0); i < n; i++ {
		if w := g.workers[i].Load(); w != nil {
			c += w.nswitch.Load()
		}
	}
	g.mu.Unlock()
	return c
}

// CumulatedSignalCount sums wakeup signals across live workers.
func (g *ScheduleGroup) CumulatedSignalCount() int64 {
	var c int64
	g.mu.Lock()
	n := g.nworkers.Load()
	for i := int64(0); i < n; i++ {
		if w := g.workers[i].Load(); w != nil {
			c += w.nsignaled.Load() + w.remoteNsignaled.Load()
		}
	}
	g.mu.Unlock()
	return c
}

// CumulatedWorkerTime is the total fiber CPU time in seconds.
func (g *ScheduleGroup) CumulatedWorkerTime() float64 {
	var ns int64
	g.mu.Lock()
	n := g.nworkers.Load()
	for i := int64(0); i < n; i++ {
		if w := g.workers[i].Load(); w != nil {
			ns += w.cumulatedCPUTimeNS.Load()
		}
	}
	g.mu.Unlock()
	return float64(ns) / 1e9
}

// newFiber builds a fresh entity from the pool. The caller enqueues it.
func (g *ScheduleGroup) newFiber(fn TaskFn, arg any, attr Attr) (*fiberEntity, FiberID, error) {
	if fn == nil {
		return nil, InvalidFiberID, ErrInvalid
	}
	if attr.StackKind == StackUnknown {
		attr.StackKind = StackNormal
	}
	slot, m := fiberPool.Acquire()
	if m == nil {
		return nil, InvalidFiberID, ErrNoMemory
	}
	initEntitySlot(m, slot)
	if m.currentWaiter.Load() != nil {
		panic("fibz: recycled fiber slot still has a waiter")
	}
	m.stop.Store(false)
	m.interrupted.Store(false)
	m.aboutToQuit = false
	m.fn = fn
	m.arg = arg
	m.retval = nil
	m.local = nil
	m.attr = attr
	m.cpuwideStartNS = g.clock.Now().UnixNano()
	m.stat = FiberStats{}
	m.tid = makeTID(m.version(), slot)

	g.metrics.Counter(FiberCreatedTotal).Inc()
	if attr.logStartAndFinish() {
		capitan.Info(context.Background(), SignalFiberStarted,
			FieldFiberID.Field(int(m.tid)))
	}
	g.emitFiberStarted(FiberEvent{
		ID:        m.tid,
		StackKind: attr.StackKind,
		Timestamp: g.clock.Now(),
	})
	return m, m.tid, nil
}
