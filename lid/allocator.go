// Package lid manages the space of local document ids.
//
// A lid is a dense integer alias for a document id inside one document meta
// store. Lid 0 is reserved and never allocated. The allocator tracks which
// lids are valid (registered) and which of those are active (part of the
// searchable set), hands out free lids in ascending numeric order, and
// defers reuse of unregistered lids behind a generation barrier so
// concurrent lock-free readers never observe a recycled lid.
//
// Mutations must come from a single owning goroutine. Readers snapshot the
// bitmaps via ValidLids/ActiveLids, which return copies.
package lid

import (
	"container/heap"

	"github.com/RoaringBitmap/roaring/v2"
)

// Generation is a monotonically increasing epoch used to defer lid reuse
// until no reader can still observe the old state.
type Generation uint64

type holdList struct {
	gen  Generation
	lids []uint32
}

// Allocator tracks valid/active lids and a free list for reuse.
type Allocator struct {
	valid  *roaring.Bitmap
	active *roaring.Bitmap

	free            lidHeap
	freeConstructed bool
	holds           []holdList
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		valid:  roaring.New(),
		active: roaring.New(),
	}
}

// RegisterLid marks lid as valid. Before the free list is constructed the
// caller chooses lids freely; afterwards lids come from GetFreeLid.
func (a *Allocator) RegisterLid(lid uint32) {
	if lid == 0 {
		return
	}
	a.valid.Add(lid)
}

// ValidLid reports whether lid is registered.
func (a *Allocator) ValidLid(lid uint32) bool {
	return a.valid.Contains(lid)
}

// UnregisterLids bulk-clears the valid and active flags of lids.
//
// This is the batch path: cost is proportional to the batch, not to the lid
// space, which matters when shrinking large stores. The active flag is
// cleared as a side effect even if it was never explicitly toggled off.
func (a *Allocator) UnregisterLids(lids []uint32) {
	if len(lids) == 0 {
		return
	}
	batch := roaring.BitmapOf(lids...)
	a.valid.AndNot(batch)
	a.active.AndNot(batch)
}

// HoldLids parks unregistered lids on a generation-keyed hold list instead
// of the free list. They stay unavailable until TrimHoldLists observes that
// currentGen has aged out.
func (a *Allocator) HoldLids(lids []uint32, currentGen Generation) {
	if len(lids) == 0 {
		return
	}
	held := make([]uint32, len(lids))
	copy(held, lids)
	a.holds = append(a.holds, holdList{gen: currentGen, lids: held})
}

// TrimHoldLists releases held lids whose generation is older than
// firstUsedGen onto the free list.
func (a *Allocator) TrimHoldLists(firstUsedGen Generation) {
	kept := a.holds[:0]
	for _, h := range a.holds {
		if h.gen < firstUsedGen {
			if a.freeConstructed {
				for _, lid := range h.lids {
					heap.Push(&a.free, lid)
				}
			}
		} else {
			kept = append(kept, h)
		}
	}
	a.holds = kept
}

// ConstructFreeList scans [1, docIDLimit) for unregistered lids and builds
// the free list from them. Must be called once, after initial registration.
func (a *Allocator) ConstructFreeList(docIDLimit uint32) {
	for lid := uint32(1); lid < docIDLimit; lid++ {
		if !a.valid.Contains(lid) {
			a.free = append(a.free, lid)
		}
	}
	heap.Init(&a.free)
	a.freeConstructed = true
}

// FreeListConstructed reports whether ConstructFreeList has run.
func (a *Allocator) FreeListConstructed() bool { return a.freeConstructed }

// GetFreeLid returns the smallest free lid, or mints docIDLimit when the
// free list is empty. The returned lid is registered before returning, so
// reuse order is strictly ascending by value.
func (a *Allocator) GetFreeLid(docIDLimit uint32) uint32 {
	var lid uint32
	if a.free.Len() > 0 {
		lid = heap.Pop(&a.free).(uint32)
	} else {
		lid = docIDLimit
	}
	a.valid.Add(lid)
	return lid
}

// UpdateActiveLids toggles the active flag of a valid lid. Activating an
// unregistered lid is a no-op, preserving the invariant that active lids are
// a subset of valid lids.
func (a *Allocator) UpdateActiveLids(lid uint32, active bool) {
	if active {
		if a.valid.Contains(lid) {
			a.active.Add(lid)
		}
		return
	}
	a.active.Remove(lid)
}

// ValidLids returns a copy of the valid bitmap.
func (a *Allocator) ValidLids() *roaring.Bitmap { return a.valid.Clone() }

// ActiveLids returns a copy of the active bitmap.
func (a *Allocator) ActiveLids() *roaring.Bitmap { return a.active.Clone() }

// ValidCount returns the number of registered lids.
func (a *Allocator) ValidCount() uint64 { return a.valid.GetCardinality() }

// lidHeap is a min-heap of lids, giving ascending reuse order.
type lidHeap []uint32

func (h lidHeap) Len() int           { return len(h) }
func (h lidHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h lidHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *lidHeap) Push(x any)        { *h = append(*h, x.(uint32)) }
func (h *lidHeap) Pop() any {
	old := *h
	n := len(old)
	lid := old[n-1]
	*h = old[:n-1]
	return lid
}
