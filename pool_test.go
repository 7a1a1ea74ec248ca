package fibz

import (
	"sync"
	"testing"
)

type poolRecord struct {
	version uint32
	payload int
}

func TestResourcePool_AcquireAssignsDistinctSlots(t *testing.T) {
	p := newResourcePool[poolRecord](0)
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		slot, rec := p.Acquire()
		if rec == nil {
			t.Fatalf("Acquire failed at %d", i)
		}
		if slot == 0 {
			t.Fatal("slot 0 must never be handed out")
		}
		if seen[slot] {
			t.Fatalf("slot %d handed out twice", slot)
		}
		seen[slot] = true
	}
}

func TestResourcePool_ZeroInitializedOnFirstUse(t *testing.T) {
	p := newResourcePool[poolRecord](0)
	slot, rec := p.Acquire()
	if rec.version != 0 || rec.payload != 0 {
		t.Errorf("expected zeroed record, got %+v", *rec)
	}
	rec.version = 7
	rec.payload = 42
	p.Release(slot)

	slot2, rec2 := p.Acquire()
	if slot2 != slot {
		t.Fatalf("expected slot %d to be recycled, got %d", slot, slot2)
	}
	// Reuse keeps persistent fields.
	if rec2.version != 7 || rec2.payload != 42 {
		t.Errorf("expected persistent fields to survive reuse, got %+v", *rec2)
	}
}

func TestResourcePool_DerefStableAcrossRelease(t *testing.T) {
	p := newResourcePool[poolRecord](0)
	slot, rec := p.Acquire()
	rec.payload = 99
	p.Release(slot)
	got := p.Deref(slot)
	if got != rec {
		t.Error("Deref must return the same record address after release")
	}
	if got.payload != 99 {
		t.Errorf("expected payload 99, got %d", got.payload)
	}
}

func TestResourcePool_DerefUnknownSlot(t *testing.T) {
	p := newResourcePool[poolRecord](0)
	if p.Deref(0) != nil {
		t.Error("Deref(0) must be nil")
	}
	if p.Deref(12345) != nil {
		t.Error("Deref of a never-allocated slot must be nil")
	}
}

func TestResourcePool_ExhaustionFails(t *testing.T) {
	p := newResourcePool[poolRecord](4)
	for i := 0; i < 4; i++ {
		if _, rec := p.Acquire(); rec == nil {
			t.Fatalf("Acquire %d failed below the cap", i)
		}
	}
	if _, rec := p.Acquire(); rec != nil {
		t.Error("Acquire beyond the cap must fail")
	}
}

func TestResourcePool_ConcurrentAcquireRelease(t *testing.T) {
	p := newResourcePool[poolRecord](0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				slot, rec := p.Acquire()
				if rec == nil {
					t.Error("Acquire failed")
					return
				}
				rec.payload++
				p.Release(slot)
			}
		}()
	}
	wg.Wait()
}
