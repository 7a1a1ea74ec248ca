package fibz

import "sync"

// resourcePool is a slab allocator of fixed-size records with stable
// 32-bit slot ids. Records live in fixed-size blocks that are never
// released, so a *T obtained from Deref stays valid for the life of the
// process even after the slot is freed: stale-id readers see either the
// old record or a recycled one, and the version fields embedded in the
// records make that distinction.
//
// Slot 0 is never handed out, keeping packed ids (version, slot) nonzero.
type resourcePool[T any] struct {
	mu       sync.Mutex
	blocks   []*poolBlock[T]
	free     []uint32
	next     uint32 // next never-used slot, starts at 1
	maxSlots uint32
}

const poolBlockSize = 256

type poolBlock[T any] struct {
	items [poolBlockSize]T
}

func newResourcePool[T any](maxSlots uint32) *resourcePool[T] {
	return &resourcePool[T]{next: 1, maxSlots: maxSlots}
}

// Acquire returns a free slot and its record. The record is
// zero-initialized on the slot's first use only; reused slots keep
// whatever the previous owner left behind (persistent fields such as
// version counters rely on this).
func (p *resourcePool[T]) Acquire() (uint32, *T) {
	p.mu.Lock()
	var slot uint32
	if n := len(p.free); n > 0 {
		slot = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if p.maxSlots != 0 && p.next > p.maxSlots {
			p.mu.Unlock()
			return 0, nil
		}
		slot = p.next
		p.next++
		for int(slot/poolBlockSize) >= len(p.blocks) {
			p.blocks = append(p.blocks, &poolBlock[T]{})
		}
	}
	item := &p.blocks[slot/poolBlockSize].items[slot%poolBlockSize]
	p.mu.Unlock()
	return slot, item
}

// Release returns a slot to the free list. The record is not cleared.
func (p *resourcePool[T]) Release(slot uint32) {
	if slot == 0 {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, slot)
	p.mu.Unlock()
}

// Deref maps a slot id to its record, or nil if the slot was never
// allocated.
func (p *resourcePool[T]) Deref(slot uint32) *T {
	if slot == 0 {
		return nil
	}
	p.mu.Lock()
	if slot >= p.next {
		p.mu.Unlock()
		return nil
	}
	item := &p.blocks[slot/poolBlockSize].items[slot%poolBlockSize]
	p.mu.Unlock()
	return item
}
