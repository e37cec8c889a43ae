package slot

import "sync/atomic"

// NilID is the reserved "nil" slot id: slot 0 is never allocated.
const NilID int32 = 0

// Descriptor is the minimal view the reference/status core needs of a
// loaded BAT descriptor. The real descriptor (heap layout, atom type,
// column data) is owned by the caller; this interface is the boundary
// between the generic slot machinery and the BAT-specific implementation,
// the same way pkg/heap.Heap is the boundary to heap storage.
type Descriptor interface {
	// Dirty reports whether any heap owned by this BAT has unsaved
	// modifications.
	Dirty() bool

	// AllHeapsMemoryMapped reports whether every heap's storage mode is
	// memory-mapped, used by the unload predicate's "aggressive" clause.
	AllHeapsMemoryMapped() bool

	// Save persists all dirty heaps owned by this BAT to the files rooted
	// at pathStem (the same bare, extension-less stem the commit protocol
	// passes to heap.Heap.SaveHeap). Called outside any slot lock, only
	// by an explicit save request, never as a side effect of unloading.
	Save(pathStem string) error

	// Unload releases the in-memory heap representation. Only called
	// when the BAT is clean, or when every heap is memory-mapped and the
	// mapping can be dropped without losing bytes.
	Unload()
}

// Record is one slot: the per-BAT bookkeeping. All mutation of
// status/refs/lrefs/sharecnt/desc happens under the swap lock
// for this slot's id (Table.swapLock). Next and LogicalName are protected
// by the name lock while the slot is live, and by the owning cache
// lock's shard while the slot is on a free list; the two roles never
// overlap in time for the same slot.
type Record struct {
	status atomic.Uint32 // Status, atomic so clearing HOT etc. needs no lock

	Refs      int32 // physical pin count
	LRefs     int32 // logical reference count
	ShareCnt  int32 // live views aliasing this BAT's heaps
	Next      int32 // free-list link, or name-bucket link, never both at once
	CreatorID int64 // creator's ThreadHint; cleared on first Retain

	LogicalName  string // unique, mutable under the name lock
	BakName      string // persistent default name, tmp_<octal slot>
	PhysicalStem string // immutable once assigned
	Options      string // opaque, preserved verbatim across commits

	TParent int32 // tail heap parent id, or own id if none
	VParent int32 // vheap parent id, or own id if none

	FarmID int
	Desc   Descriptor // nil until loaded
}

// Status returns the current status bits.
func (r *Record) Status() Status { return Status(r.status.Load()) }

// setStatus overwrites the status bits; callers must hold the slot's swap
// lock. Setting a bit always goes through the lock.
func (r *Record) setStatus(s Status) { r.status.Store(uint32(s)) }

// clearBits clears bits without the swap lock, permitted for
// LOADED/LOADING/SAVING/UNLOADING/HOT.
func (r *Record) clearBits(mask Status) {
	r.status.And(^uint32(mask))
}

// IsView reports whether this record is a view onto another BAT's tail
// and/or vheap: either parent id may equal the record's own slot id,
// meaning "no parent for that heap".
func (r *Record) IsView(selfID int32) (tparent, vparent int32, isView bool) {
	return r.TParent, r.VParent, r.TParent != selfID || r.VParent != selfID
}

// live reports whether the slot holds a BAT: refs+lrefs+sharecnt > 0
// and not on a free list.
func (r *Record) live() bool {
	return r.Refs > 0 || r.LRefs > 0 || r.ShareCnt > 0
}
