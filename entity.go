package fibz

import (
	"sync"
	"sync/atomic"
)

// TaskFn is a fiber body. The FiberCtx argument identifies the running
// fiber and must be passed to every blocking call made from inside the
// body; it is only valid until the body returns. The return value is
// delivered to joiners and to the OnFiberFinished hook.
type TaskFn func(fc *FiberCtx, arg any) any

// FiberStats counts a fiber's scheduling activity.
type FiberStats struct {
	CPUTimeNS int64
	NSwitch   int64
}

// fiberEntity is the per-fiber record, allocated from the fiber pool.
// versionEvent and slot persist across reuses of the slot; everything
// else is reinitialized when a fiber is created.
//
// Locking: stop/interrupted are atomics ordered by versionLock where the
// protocol needs it; currentSleep, attr and the version bump are guarded
// by versionLock. The rest is touched only by the owning worker while the
// fiber runs.
type fiberEntity struct {
	versionLock sync.Mutex

	// versionEvent's value is the fiber's version; joiners futex-wait on
	// it. Allocated once per slot, never returned to the event pool.
	versionEvent *Event
	slot         uint32

	tid         FiberID
	stop        atomic.Bool
	interrupted atomic.Bool
	aboutToQuit bool

	fn     TaskFn
	arg    any
	retval any

	stack *contextualStack
	attr  Attr
	local map[any]any

	cpuwideStartNS int64
	stat           FiberStats

	currentWaiter atomic.Pointer[eventWaiter]
	currentSleep  TimerID // guarded by versionLock
}

func (m *fiberEntity) version() uint32 {
	return uint32(m.versionEvent.Load())
}

func (m *fiberEntity) stackKind() StackKind {
	return m.attr.StackKind
}

func (m *fiberEntity) setStack(s *contextualStack) {
	m.stack = s
}

func (m *fiberEntity) releaseStack() *contextualStack {
	s := m.stack
	m.stack = nil
	return s
}

// FiberCtx is the execution handle passed to fiber bodies. The worker
// pointer tracks migration: after every blocking call it names the worker
// currently driving the fiber.
type FiberCtx struct {
	w *Worker
	m *fiberEntity
}

// ID returns the running fiber's id.
func (fc *FiberCtx) ID() FiberID {
	return fc.m.tid
}

// isPthread reports whether the fiber shares the worker's scheduling
// context and therefore must not switch away mid-run.
func (fc *FiberCtx) isPthread() bool {
	return fc.m.stack == fc.w.mainStack
}

// fiberExit carries Exit's value through the runner's recover.
type fiberExit struct {
	value any
}

// KeyTablePool recycles fiber-local storage tables between fibers
// created with the same Attr, saving the per-fiber map allocation.
type KeyTablePool struct {
	mu   sync.Mutex
	free []map[any]any
}

func (p *KeyTablePool) get() map[any]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		kt := p.free[n-1]
		p.free = p.free[:n-1]
		return kt
	}
	return make(map[any]any)
}

func (p *KeyTablePool) put(kt map[any]any) {
	clear(kt)
	p.mu.Lock()
	p.free = append(p.free, kt)
	p.mu.Unlock()
}

// LocalSet stores a value in the running fiber's local storage. The
// storage is released when the fiber finishes (returned to the attr's
// KeyTablePool if one was given).
func LocalSet(fc *FiberCtx, key, value any) {
	if fc.m.local == nil {
		if p := fc.m.attr.KeyTablePool; p != nil {
			fc.m.local = p.get()
		} else {
			fc.m.local = make(map[any]any)
		}
	}
	fc.m.local[key] = value
}

// LocalGet reads a value from the running fiber's local storage.
func LocalGet(fc *FiberCtx, key any) (any, bool) {
	v, ok := fc.m.local[key]
	return v, ok
}

func (m *fiberEntity) releaseLocal() {
	if m.local == nil {
		return
	}
	kt := m.local
	m.local = nil
	if p := m.attr.KeyTablePool; p != nil {
		p.put(kt)
	}
}
