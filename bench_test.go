package fibz

import (
	"sync/atomic"
	"testing"
)

func BenchmarkStartJoin(b *testing.B) {
	body := func(_ *FiberCtx, _ any) any { return nil }
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tid, err := StartBackground(nil, AttrSmall, body, nil)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := Join(nil, tid); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkYield(b *testing.B) {
	tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		for i := 0; i < b.N; i++ {
			Yield(fc)
		}
		return nil
	}, nil)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := Join(nil, tid); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkWorkStealingQueuePushPop(b *testing.B) {
	q := newWorkStealingQueue(1024)
	var tid FiberID
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.push(FiberID(i + 1))
		q.pop(&tid)
	}
}

func BenchmarkEventWakeNoWaiter(b *testing.B) {
	e := NewEvent()
	defer e.Destroy()
	getOrNewGroup()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.WakeOne(nil)
	}
}

func BenchmarkDispatchBatch(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var done atomic.Int32
		const batch = 64
		tids := make([]FiberID, batch)
		for j := 0; j < batch; j++ {
			tid, err := StartBackground(nil, AttrSmall, func(_ *FiberCtx, _ any) any {
				done.Add(1)
				return nil
			}, nil)
			if err != nil {
				b.Fatal(err)
			}
			tids[j] = tid
		}
		for _, tid := range tids {
			if _, err := Join(nil, tid); err != nil {
				b.Fatal(err)
			}
		}
		if done.Load() != batch {
			b.Fatalf("lost fibers: %d", done.Load())
		}
	}
}
