package fibz

import (
	"sync"
	"testing"
)

func TestRemoteQueue_FIFO(t *testing.T) {
	q := newRemoteQueue(4)
	q.mu.Lock()
	for i := 1; i <= 4; i++ {
		if !q.pushLocked(FiberID(i)) {
			t.Fatalf("push %d failed below capacity", i)
		}
	}
	if q.pushLocked(5) {
		t.Fatal("push to full queue must fail")
	}
	q.mu.Unlock()
	for i := 1; i <= 4; i++ {
		var tid FiberID
		if !q.pop(&tid) || tid != FiberID(i) {
			t.Fatalf("expected pop %d, got %d", i, tid)
		}
	}
	var tid FiberID
	if q.pop(&tid) {
		t.Fatal("pop from empty queue must fail")
	}
}

func TestRemoteQueue_ConcurrentProducers(t *testing.T) {
	const perProducer = 1000
	q := newRemoteQueue(64)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for {
					q.mu.Lock()
					ok := q.pushLocked(FiberID(i + 1))
					q.mu.Unlock()
					if ok {
						break
					}
				}
			}
		}()
	}
	donePush := make(chan struct{})
	go func() { wg.Wait(); close(donePush) }()
	var tid FiberID
	popped := 0
	for popped < 4*perProducer {
		if q.pop(&tid) {
			popped++
		}
	}
	<-donePush
	if q.pop(&tid) {
		t.Error("queue must be empty after draining")
	}
}
