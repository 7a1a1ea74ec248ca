package fibz

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestTimerService_FiresAtDeadline(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	defer ts.stop()
	var fired atomic.Bool
	start := time.Now()
	id := ts.schedule(func(any) { fired.Store(true) }, nil, time.Now().Add(20*time.Millisecond))
	if id == 0 {
		t.Fatal("schedule returned 0 on a running service")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("fired after %v, before the deadline", elapsed)
	}
}

func TestTimerService_FiresInDeadlineOrder(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	defer ts.stop()
	var order []int
	done := make(chan struct{})
	now := time.Now()
	ts.schedule(func(arg any) { order = append(order, arg.(int)) }, 2, now.Add(30*time.Millisecond))
	ts.schedule(func(arg any) { order = append(order, arg.(int)) }, 1, now.Add(10*time.Millisecond))
	ts.schedule(func(arg any) {
		order = append(order, arg.(int))
		close(done)
	}, 3, now.Add(50*time.Millisecond))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never finished")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected firing order [1 2 3], got %v", order)
	}
}

func TestTimerService_Unschedule(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	defer ts.stop()
	var fired atomic.Bool
	id := ts.schedule(func(any) { fired.Store(true) }, nil, time.Now().Add(time.Hour))
	if err := ts.unschedule(id); err != nil {
		t.Fatalf("unschedule of a pending timer failed: %v", err)
	}
	if err := ts.unschedule(id); err != ErrNotFound {
		t.Errorf("second unschedule must report ErrNotFound, got %v", err)
	}
	if fired.Load() {
		t.Error("unscheduled timer fired")
	}
}

func TestTimerService_UnscheduleRunningReportsBusy(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	defer ts.stop()
	started := make(chan struct{})
	release := make(chan struct{})
	id := ts.schedule(func(any) {
		close(started)
		<-release
	}, nil, time.Now())
	<-started
	if err := ts.unschedule(id); err != ErrBusy {
		t.Errorf("expected ErrBusy while the callback runs, got %v", err)
	}
	close(release)
	// After it finished: gone.
	deadline := time.Now().Add(time.Second)
	for {
		if err := ts.unschedule(id); err == ErrNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished timer still reports busy")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTimerService_StoppedSchedulesReturnZero(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	ts.stop()
	if id := ts.schedule(func(any) {}, nil, time.Now()); id != 0 {
		t.Errorf("schedule on a stopped service must return 0, got %d", id)
	}
}

func TestTimerService_IDsNeverReused(t *testing.T) {
	ts := newTimerService(clockz.RealClock, nil)
	defer ts.stop()
	seen := make(map[TimerID]bool)
	for i := 0; i < 100; i++ {
		id := ts.schedule(func(any) {}, nil, time.Now().Add(time.Hour))
		if seen[id] {
			t.Fatalf("timer id %d reused", id)
		}
		seen[id] = true
		ts.unschedule(id)
	}
}

func TestTimerService_FakeClockAdvance(t *testing.T) {
	clock := clockz.NewFakeClock()
	ts := newTimerService(clock, nil)
	defer ts.stop()
	var fired atomic.Bool
	ts.schedule(func(any) { fired.Store(true) }, nil, clock.Now().Add(50*time.Millisecond))
	// Give the loop a chance to arm its wait before moving the clock.
	time.Sleep(20 * time.Millisecond)
	if fired.Load() {
		t.Fatal("timer fired before the fake clock moved")
	}
	clock.Advance(60 * time.Millisecond)
	clock.BlockUntilReady()
	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("timer never fired after advancing the fake clock")
		}
		time.Sleep(time.Millisecond)
	}
}
