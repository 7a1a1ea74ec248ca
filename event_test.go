package fibz

import (
	"sync/atomic"
	"testing"
	"time"
)

func eventWaiterCount(e *Event) int {
	e.waiterLock.Lock()
	defer e.waiterLock.Unlock()
	n := 0
	for w := e.head; w != nil; w = w.next {
		n++
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEvent_WaitUnmatchedValue(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	e.Store(1)
	var got atomic.Value
	tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		got.Store(e.Wait(fc, 2))
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	if _, err := Join(nil, tid); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got.Load() != ErrWouldBlock {
		t.Errorf("expected ErrWouldBlock, got %v", got.Load())
	}
	if n := eventWaiterCount(e); n != 0 {
		t.Errorf("no waiter may be linked on an unmatched wait, found %d", n)
	}
}

func TestEvent_WakeOneFairness(t *testing.T) {
	const n = 10
	e := NewEvent()
	defer e.Destroy()
	e.Store(1)
	var resumedOK atomic.Int32
	tids := make([]FiberID, n)
	for i := 0; i < n; i++ {
		tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
			if err := e.Wait(fc, 1); err == nil {
				resumedOK.Add(1)
			}
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("StartBackground %d failed: %v", i, err)
		}
		tids[i] = tid
	}
	waitFor(t, func() bool { return eventWaiterCount(e) == n }, "waiters never all parked")

	for i := 0; i < n; i++ {
		if woken := e.WakeOne(nil); woken != 1 {
			t.Fatalf("WakeOne %d woke %d waiters", i, woken)
		}
	}
	if woken := e.WakeOne(nil); woken != 0 {
		t.Errorf("WakeOne on an empty event woke %d", woken)
	}
	for _, tid := range tids {
		if _, err := Join(nil, tid); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if resumedOK.Load() != n {
		t.Errorf("expected %d OK resumes, got %d", n, resumedOK.Load())
	}
}

func TestEvent_WakeAll(t *testing.T) {
	const n = 6
	e := NewEvent()
	defer e.Destroy()
	var done atomic.Int32
	tids := make([]FiberID, n)
	for i := 0; i < n; i++ {
		tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
			if err := e.Wait(fc, 0); err == nil {
				done.Add(1)
			}
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("StartBackground failed: %v", err)
		}
		tids[i] = tid
	}
	waitFor(t, func() bool { return eventWaiterCount(e) == n }, "waiters never all parked")
	e.Store(1) // publish before waking
	if woken := e.WakeAll(nil); woken != n {
		t.Errorf("WakeAll woke %d of %d", woken, n)
	}
	for _, tid := range tids {
		if _, err := Join(nil, tid); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if done.Load() != n {
		t.Errorf("expected %d resumes, got %d", n, done.Load())
	}
}

func TestEvent_WaitTimeout(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	var got atomic.Value
	start := time.Now()
	tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		got.Store(e.WaitUntil(fc, 0, time.Now().Add(300*time.Millisecond)))
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	if _, err := Join(nil, tid); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if got.Load() != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", got.Load())
	}
	elapsed := time.Since(start)
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout after %v, expected ~300ms", elapsed)
	}
	if n := eventWaiterCount(e); n != 0 {
		t.Errorf("timed-out waiter still linked, count %d", n)
	}
}

func TestEvent_PastDeadlineNeverParks(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	if err := e.WaitUntil(nil, 0, time.Now().Add(-time.Second)); err != ErrTimedOut {
		t.Errorf("expected immediate ErrTimedOut, got %v", err)
	}
}

func TestEvent_PthreadWaiter(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	done := make(chan error, 1)
	go func() { done <- e.Wait(nil, 0) }()
	waitFor(t, func() bool { return eventWaiterCount(e) == 1 }, "goroutine waiter never parked")
	e.Store(7)
	if woken := e.WakeOne(nil); woken != 1 {
		t.Fatalf("WakeOne woke %d", woken)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected OK, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine waiter never woke")
	}
	if e.Load() != 7 {
		t.Error("value written before wake must be visible after wait returns")
	}
}

func TestEvent_PthreadWaiterTimeout(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	start := time.Now()
	if err := e.WaitUntil(nil, 0, time.Now().Add(100*time.Millisecond)); err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}
	if n := eventWaiterCount(e); n != 0 {
		t.Errorf("timed-out waiter still linked, count %d", n)
	}
}

func TestEvent_Requeue(t *testing.T) {
	const n = 5
	a := NewEvent()
	b := NewEvent()
	defer a.Destroy()
	defer b.Destroy()
	var done atomic.Int32
	tids := make([]FiberID, n)
	for i := 0; i < n; i++ {
		tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
			if err := a.Wait(fc, 0); err == nil {
				done.Add(1)
			}
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("StartBackground failed: %v", err)
		}
		tids[i] = tid
	}
	waitFor(t, func() bool { return eventWaiterCount(a) == n }, "waiters never all parked")

	if woken := a.Requeue(nil, b); woken != 1 {
		t.Fatalf("Requeue woke %d, expected 1", woken)
	}
	if got := eventWaiterCount(a); got != 0 {
		t.Errorf("source still has %d waiters", got)
	}
	if got := eventWaiterCount(b); got != n-1 {
		t.Errorf("target has %d waiters, expected %d", got, n-1)
	}
	if woken := b.WakeAll(nil); woken != n-1 {
		t.Errorf("WakeAll on target woke %d, expected %d", woken, n-1)
	}
	for _, tid := range tids {
		if _, err := Join(nil, tid); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if done.Load() != n {
		t.Errorf("expected %d resumes, got %d", n, done.Load())
	}
}

func TestEvent_WakeOneFromFiberHandsOff(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	var waiterOK, wakerOK atomic.Bool
	waiter, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		if err := e.Wait(fc, 0); err == nil {
			waiterOK.Store(true)
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	waitFor(t, func() bool { return eventWaiterCount(e) == 1 }, "waiter never parked")

	// Waking from a worker fiber switches to the woken fiber directly.
	waker, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		if n := e.WakeOne(fc); n == 1 {
			wakerOK.Store(true)
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	for _, tid := range []FiberID{waiter, waker} {
		if _, err := Join(nil, tid); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if !waiterOK.Load() || !wakerOK.Load() {
		t.Errorf("handoff wake failed: waiter=%v waker=%v", waiterOK.Load(), wakerOK.Load())
	}
}

func TestEvent_WakeExceptSkipsOne(t *testing.T) {
	e := NewEvent()
	defer e.Destroy()
	var excluded FiberID
	excludedSet := make(chan struct{})
	var woken atomic.Int32
	body := func(fc *FiberCtx, _ any) any {
		if err := e.Wait(fc, 0); err == nil {
			woken.Add(1)
		}
		return nil
	}
	tid1, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		excluded = fc.ID()
		close(excludedSet)
		_ = e.Wait(fc, 0) //nolint:errcheck
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	<-excludedSet
	tid2, err := StartBackground(nil, AttrNormal, body, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	tid3, err := StartBackground(nil, AttrNormal, body, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	waitFor(t, func() bool { return eventWaiterCount(e) == 3 }, "waiters never all parked")

	if n := e.WakeExcept(nil, excluded); n != 2 {
		t.Fatalf("WakeExcept woke %d, expected 2", n)
	}
	for _, tid := range []FiberID{tid2, tid3} {
		if _, err := Join(nil, tid); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	if woken.Load() != 2 {
		t.Errorf("expected 2 resumes, got %d", woken.Load())
	}
	if n := eventWaiterCount(e); n != 1 {
		t.Fatalf("excluded waiter must stay parked, count %d", n)
	}
	// Release the excluded fiber so it can finish.
	e.WakeOne(nil)
	if _, err := Join(nil, tid1); err != nil {
		t.Fatalf("Join of excluded fiber failed: %v", err)
	}
}
