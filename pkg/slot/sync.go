package slot

import "runtime"

// Snapshot is a point-in-time, lock-free-to-read copy of the fields the
// catalog and commit packages need from a slot, taken under the slot's
// swap lock.
type Snapshot struct {
	ID           int32
	Status       Status
	Refs         int32
	LRefs        int32
	ShareCnt     int32
	LogicalName  string
	BakName      string
	PhysicalStem string
	TParent      int32
	VParent      int32
	FarmID       int
	Options      string
	Desc         Descriptor
}

// Snapshot copies out id's current fields under the swap lock.
func (t *Table) Snapshot(id int32) Snapshot {
	r := t.Get(id)
	t.lockSwap(id)
	defer t.unlockSwap(id)
	return Snapshot{
		ID:           id,
		Status:       r.Status(),
		Refs:         r.Refs,
		LRefs:        r.LRefs,
		ShareCnt:     r.ShareCnt,
		LogicalName:  r.LogicalName,
		BakName:      r.BakName,
		PhysicalStem: r.PhysicalStem,
		TParent:      r.TParent,
		VParent:      r.VParent,
		FarmID:       r.FarmID,
		Options:      r.Options,
		Desc:         r.Desc,
	}
}

// SetPhysicalStem assigns the immutable-once-set physical filename stem.
// Callers must only do this once, right after Insert, before the slot is
// ever shared outside its creator.
func (t *Table) SetPhysicalStem(id int32, stem string) {
	r := t.Get(id)
	t.lockSwap(id)
	r.PhysicalStem = stem
	t.unlockSwap(id)
}

// SetOptions overwrites the opaque options string preserved verbatim
// across commits.
func (t *Table) SetOptions(id int32, options string) {
	r := t.Get(id)
	t.lockSwap(id)
	r.Options = options
	t.unlockSwap(id)
}

// ForEach calls fn for every allocated, live (non-free-list) slot id in
// ascending order. fn runs with no Table lock held, so it may call back
// into Table methods that take the swap lock for the id it was handed.
func (t *Table) ForEach(fn func(id int32, snap Snapshot)) {
	for id := int32(1); id < t.Size(); id++ {
		snap := t.Snapshot(id)
		if snap.Status == 0 {
			continue // on a free list
		}
		fn(id, snap)
	}
}

// BeginSync marks id as inside a commit critical window: it waits out
// any in-progress Unloading first, then sets Syncing. Pairs with
// EndSync, always called even on a staging failure: the commit protocol
// explicitly clears Syncing on every failure path.
func (t *Table) BeginSync(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	for r.Status().Has(Unloading) {
		t.unlockSwap(id)
		runtime.Gosched()
		t.lockSwap(id)
	}
	r.setStatus(r.Status() | Syncing)
	t.unlockSwap(id)
}

// EndSync clears Syncing. Safe to call unconditionally during commit
// cleanup; clearing a bit that is already clear is a no-op.
func (t *Table) EndSync(id int32) {
	t.Get(id).clearBits(Syncing)
}

// MarkRenamed sets the Renamed flag, recording that id's logical name
// changed since the last commit wrote it to the catalog. ClearRenamed is
// called by the commit protocol once the name has been persisted.
func (t *Table) MarkRenamed(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	r.setStatus(r.Status() | Renamed)
	t.unlockSwap(id)
}

// ClearRenamed clears the Renamed flag without the swap lock. Renamed
// has the same property as HOT/LOADED: no other field is observed
// alongside it under a wait-mask, so an atomic AND-clear alone is safe.
func (t *Table) ClearRenamed(id int32) {
	t.Get(id).clearBits(Renamed)
}

// WaitInflightUnloads blocks until every TryUnload call that was already
// executing when this is invoked has finished. A global TM lock is held
// for the duration of a commit, paired with a counter of in-flight
// unloads so commits wait for them. Commit calls this immediately after
// taking TMLock.
func (t *Table) WaitInflightUnloads() {
	t.inflightUnloads.Wait()
}
