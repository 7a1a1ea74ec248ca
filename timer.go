package fibz

import (
	"container/heap"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// Metric keys for the timer service.
const (
	TimerScheduledTotal = metricz.Key("timer.scheduled.total")
	TimerTriggeredTotal = metricz.Key("timer.triggered.total")
)

// timerTask is one pending one-shot timer.
type timerTask struct {
	deadline time.Time
	fn       func(any)
	arg      any
	id       TimerID
	index    int // heap position
}

type timerHeap []*timerTask

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*timerTask); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any           { old := *h; n := len(old); t := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return t }

// timerService delivers one-shot callbacks at or after their deadline
// from a single background goroutine. Callbacks must be cheap: the
// common one enqueues a fiber on some worker's remote queue and returns.
// Ids are never reused, so unscheduling a fired or foreign id is safe.
type timerService struct {
	clock     clockz.Clock
	metrics   *metricz.Registry
	mu        sync.Mutex
	heap      timerHeap
	byID      map[TimerID]*timerTask
	nextID    TimerID
	runningID TimerID
	stopped   bool
	wake      chan struct{}
	done      chan struct{}
}

func newTimerService(clock clockz.Clock, metrics *metricz.Registry) *timerService {
	ts := &timerService{
		clock:   clock,
		metrics: metrics,
		byID:    make(map[TimerID]*timerTask),
		nextID:  1,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if ts.metrics != nil {
		ts.metrics.Counter(TimerScheduledTotal)
		ts.metrics.Counter(TimerTriggeredTotal)
	}
	go ts.loop()
	return ts
}

// schedule registers fn(arg) to run at or after deadline. Returns 0 when
// the service is stopped.
func (ts *timerService) schedule(fn func(any), arg any, deadline time.Time) TimerID {
	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return 0
	}
	t := &timerTask{deadline: deadline, fn: fn, arg: arg, id: ts.nextID}
	ts.nextID++
	heap.Push(&ts.heap, t)
	ts.byID[t.id] = t
	nearest := ts.heap[0] == t
	ts.mu.Unlock()
	if ts.metrics != nil {
		ts.metrics.Counter(TimerScheduledTotal).Inc()
	}
	if nearest {
		ts.poke()
	}
	return t.id
}

// unschedule cancels a pending timer. Returns nil when the task was
// removed before running, ErrBusy while its callback is executing, and
// ErrNotFound when it already ran or never existed.
func (ts *timerService) unschedule(id TimerID) error {
	if id == 0 {
		return ErrNotFound
	}
	ts.mu.Lock()
	if t, ok := ts.byID[id]; ok {
		heap.Remove(&ts.heap, t.index)
		delete(ts.byID, id)
		ts.mu.Unlock()
		return nil
	}
	running := ts.runningID == id
	ts.mu.Unlock()
	if running {
		return ErrBusy
	}
	return ErrNotFound
}

func (ts *timerService) poke() {
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

func (ts *timerService) stop() {
	ts.mu.Lock()
	if ts.stopped {
		ts.mu.Unlock()
		return
	}
	ts.stopped = true
	ts.mu.Unlock()
	ts.poke()
	<-ts.done
}

func (ts *timerService) loop() {
	defer close(ts.done)
	for {
		ts.mu.Lock()
		if ts.stopped {
			ts.mu.Unlock()
			return
		}
		now := ts.clock.Now()
		for len(ts.heap) > 0 && !ts.heap[0].deadline.After(now) {
			t := heap.Pop(&ts.heap).(*timerTask)
			delete(ts.byID, t.id)
			ts.runningID = t.id
			ts.mu.Unlock()
			t.fn(t.arg)
			if ts.metrics != nil {
				ts.metrics.Counter(TimerTriggeredTotal).Inc()
			}
			ts.mu.Lock()
			ts.runningID = 0
		}
		var expiry <-chan time.Time
		if len(ts.heap) > 0 {
			expiry = ts.clock.After(ts.heap[0].deadline.Sub(now))
		}
		ts.mu.Unlock()
		select {
		case <-expiry:
		case <-ts.wake:
		}
	}
}
