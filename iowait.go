package fibz

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/tracez"
)

// Span names for fd operations.
const (
	SpanFdClose = tracez.Key("fd.close")

	TagFd = tracez.Tag("fd")
)

// FdEvents selects the readiness a fiber waits for.
type FdEvents uint32

const (
	// FdRead waits for the descriptor to become readable.
	FdRead FdEvents = 1 << iota
	// FdWrite waits for the descriptor to become writable.
	FdWrite
)

// fdRecord is the per-descriptor sentinel. The event's value is a
// readiness sequence: a waiter snapshots it before arming and parks only
// while it is unchanged, so a readiness arriving in between is never
// missed. Records are kept for the life of the poller; a stale waiter of
// a recycled fd number at worst gets a tolerated spurious wakeup.
type fdRecord struct {
	event *Event
}

// fdPoller ties one OS readiness instance (epoll/kqueue) to an internal
// fiber that dispatches wakeups.
type fdPoller struct {
	group   *ScheduleGroup
	pfd     platformPoller
	mu      sync.Mutex
	fds     map[int]*fdRecord
	stopped atomic.Bool
	loopTID FiberID
}

// pollerSet is the group's fleet of pollers; descriptors hash onto them.
type pollerSet struct {
	pollers []*fdPoller
}

func (g *ScheduleGroup) pollerSetFor() (*pollerSet, error) {
	if ps := g.pollers.Load(); ps != nil {
		return ps, nil
	}
	g.pollerInitMu.Lock()
	defer g.pollerInitMu.Unlock()
	if ps := g.pollers.Load(); ps != nil {
		return ps, nil
	}
	ps := &pollerSet{}
	// Each poll loop pins a worker inside the OS wait; grow the fleet so
	// ordinary fibers keep their headroom.
	g.addWorkers(g.cfg.PollerCount)
	for i := 0; i < g.cfg.PollerCount; i++ {
		p := &fdPoller{group: g, fds: make(map[int]*fdRecord)}
		if err := p.pfd.open(); err != nil {
			for _, prev := range ps.pollers {
				prev.stopped.Store(true)
				prev.pfd.close()
			}
			return nil, ErrInvalid
		}
		tid, err := g.chooseOneWorker().startBackground(AttrNormal, p.loop, nil, true)
		if err != nil {
			p.pfd.close()
			return nil, err
		}
		p.loopTID = tid
		ps.pollers = append(ps.pollers, p)
	}
	g.pollers.Store(ps)
	return ps, nil
}

func (ps *pollerSet) pollerFor(fd int) *fdPoller {
	return ps.pollers[fd%len(ps.pollers)]
}

// stop unblocks every poll loop, joins the loop fibers, and closes the
// OS instances. Parked fd waiters are woken with success.
func (ps *pollerSet) stop() {
	for _, p := range ps.pollers {
		p.stopped.Store(true)
		p.pfd.poke()
	}
	for _, p := range ps.pollers {
		_, _ = joinFiber(nil, p.loopTID) //nolint:errcheck
		p.pfd.close()
	}
}

// loop is the poller's fiber body: block in the OS wait, bump and wake
// each ready descriptor's sentinel, re-arm happens on the next FdWait.
func (p *fdPoller) loop(fc *FiberCtx, _ any) any {
	ready := make([]int, 0, 64)
	for {
		var err error
		ready, err = p.pfd.wait(ready[:0])
		if p.stopped.Load() {
			break
		}
		if err != nil {
			break
		}
		for _, fd := range ready {
			p.mu.Lock()
			rec := p.fds[fd]
			p.mu.Unlock()
			if rec != nil {
				rec.event.Add(1)
				rec.event.WakeAll(fc)
			}
		}
	}
	// Shutdown: release everyone still parked on a descriptor.
	p.mu.Lock()
	recs := make([]*fdRecord, 0, len(p.fds))
	for _, rec := range p.fds {
		recs = append(recs, rec)
	}
	p.mu.Unlock()
	for _, rec := range recs {
		rec.event.Add(1)
		rec.event.WakeAll(fc)
	}
	return nil
}

// FdWait parks the calling fiber until fd reports one of the requested
// events or the descriptor is closed through FdClose. The descriptor
// must be pollable; failure to register reports ErrInvalid, a closed fd
// reports ErrBadFD.
func FdWait(fc *FiberCtx, fd int, events FdEvents) error {
	return fdWait(fc, fd, events, time.Time{}, false)
}

// FdTimedwait is FdWait with a deadline; expiry reports ErrTimedOut.
func FdTimedwait(fc *FiberCtx, fd int, events FdEvents, deadline time.Time) error {
	return fdWait(fc, fd, events, deadline, true)
}

func fdWait(fc *FiberCtx, fd int, events FdEvents, deadline time.Time, hasDeadline bool) error {
	if fd < 0 || events == 0 || events&^(FdRead|FdWrite) != 0 {
		return ErrInvalid
	}
	g := getOrNewGroup()
	ps, err := g.pollerSetFor()
	if err != nil {
		return err
	}
	p := ps.pollerFor(fd)

	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		return ErrInvalid
	}
	rec := p.fds[fd]
	if rec == nil {
		rec = &fdRecord{event: NewEvent()}
		p.fds[fd] = rec
	}
	expected := rec.event.Load()
	if err := p.pfd.arm(fd, events); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if hasDeadline {
		err = rec.event.WaitUntil(fc, expected, deadline)
	} else {
		err = rec.event.Wait(fc, expected)
	}
	if err == ErrWouldBlock {
		// Readiness landed between arming and parking.
		return nil
	}
	return err
}

// FdClose closes fd and wakes any fiber parked on it with success, so it
// can observe the closure from its next syscall. Closing a descriptor
// the pollers never saw is still fine if the fd itself is valid.
func FdClose(fd int) error {
	if fd < 0 {
		return ErrBadFD
	}
	g := getOrNewGroup()
	_, span := g.tracer.StartSpan(context.Background(), SpanFdClose)
	defer span.Finish()
	span.SetTag(TagFd, strconv.Itoa(fd))

	if ps := g.pollers.Load(); ps != nil {
		p := ps.pollerFor(fd)
		p.mu.Lock()
		rec := p.fds[fd]
		if rec != nil {
			p.pfd.disarm(fd)
		}
		p.mu.Unlock()
		if rec != nil {
			rec.event.Add(1)
			rec.event.WakeAll(nil)
		}
	}
	if err := closeFD(fd); err != nil {
		return ErrBadFD
	}
	return nil
}
