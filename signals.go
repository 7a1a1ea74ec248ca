package fibz

import "github.com/zoobzio/capitan"

// Signals emitted by the runtime. Fiber signals respect the per-fiber
// attr flags: SignalFiberStarted/SignalFiberFinished fire only for fibers
// created with FlagLogStartAndFinish, SignalFiberSwitch only when either
// side of the switch carries FlagLogContextSwitch. Worker and group
// signals always fire.
var (
	SignalFiberStarted  = capitan.NewSignal("fiber.started", "fiber started")
	SignalFiberFinished = capitan.NewSignal("fiber.finished", "fiber finished")
	SignalFiberSwitch   = capitan.NewSignal("fiber.switch", "fiber switch")

	SignalWorkerStarted  = capitan.NewSignal("worker.started", "worker started")
	SignalWorkerStopped  = capitan.NewSignal("worker.stopped", "worker stopped")
	SignalGroupStopping  = capitan.NewSignal("group.stopping", "group stopping")
	SignalRunQueueFull   = capitan.NewSignal("worker.runqueue-full", "worker run queue full")
	SignalSchedRecursion = capitan.NewSignal("worker.sched-recursion", "worker scheduler recursion")
)

// Field keys attached to runtime signals.
var (
	FieldFiberID   = capitan.NewIntKey("fiber_id")
	FieldFromFiber = capitan.NewIntKey("from_fiber")
	FieldToFiber   = capitan.NewIntKey("to_fiber")
	FieldWorker    = capitan.NewIntKey("worker")
	FieldCPUTimeMS = capitan.NewFloat64Key("cputime_ms")
	FieldCapacity  = capitan.NewIntKey("capacity")
	FieldWorkers   = capitan.NewIntKey("workers")
)
