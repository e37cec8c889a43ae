package main

import (
	"github.com/colstore/bbp/pkg/engine"
	"github.com/colstore/bbp/pkg/heap"
	"github.com/colstore/bbp/pkg/heap/memheap"
)

// demoBAT is the smallest possible engine.Descriptor: a fixed-width tail
// heap and an optional variable-width vheap, both backed by
// pkg/heap/memheap. Real deployments bring their own descriptor with a
// real column layout; this one exists only so cmd/bbpd has something to
// Insert/Fix/Sync in its demo mode, a toy stand-in that exercises the
// real subsystems underneath it.
type demoBAT struct {
	tail  *memheap.Heap
	vheap *memheap.Heap // nil for fixed-width BATs with no string column
}

func newDemoBAT(farmID int, variableWidth bool) *demoBAT {
	b := &demoBAT{tail: memheap.New(farmID, ".tail")}
	if variableWidth {
		b.vheap = memheap.New(farmID, ".theap")
	}
	return b
}

func (b *demoBAT) Dirty() bool {
	if b.tail.Dirty() {
		return true
	}
	return b.vheap != nil && b.vheap.Dirty()
}

func (b *demoBAT) AllHeapsMemoryMapped() bool {
	if b.tail.Storage() != heap.StorageMemoryMapped {
		return false
	}
	return b.vheap == nil || b.vheap.Storage() == heap.StorageMemoryMapped
}

func (b *demoBAT) Save(pathStem string) error {
	if err := b.tail.SaveHeap(pathStem); err != nil {
		return err
	}
	if b.vheap != nil {
		if err := b.vheap.SaveHeap(pathStem); err != nil {
			return err
		}
	}
	return nil
}

func (b *demoBAT) Unload() {
	b.tail.FreeHeapInMemory()
	if b.vheap != nil {
		b.vheap.FreeHeapInMemory()
	}
}

func (b *demoBAT) TailHeap() heap.Heap { return b.tail }

func (b *demoBAT) VHeap() (heap.Heap, bool) {
	if b.vheap == nil {
		return nil, false
	}
	return b.vheap, true
}

var _ engine.Descriptor = (*demoBAT)(nil)

// demoLoader reconstructs a demoBAT for a slot that exists on disk but
// isn't currently resident. The demo never actually reads heap bytes back
// (pkg/heap/memheap has no load path), so this always rebuilds an empty
// fixed-width BAT (a tail heap, no vheap), enough to exercise
// Fix/Unfix/unload bookkeeping without a
// real column store behind it.
func demoLoader(meta engine.BATMeta) (engine.Descriptor, error) {
	return newDemoBAT(meta.FarmID, false), nil
}
