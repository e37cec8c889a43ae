package slot

import (
	"fmt"
	"runtime"
)

// InsertSpec describes a brand-new BAT being entered into the table.
type InsertSpec struct {
	FarmID      int
	LogicalName string // "" means anonymous; a tmp_<octal> BakName is assigned
	Persistent  bool
	// ThreadHint identifies the creating thread: it selects the
	// allocator's free-list shard and is recorded as the slot's
	// CreatorID until the BAT gains its first logical reference.
	ThreadHint int
}

// Insert allocates a slot and initializes it as a fresh, unsaved BAT with
// a single physical reference already held by the caller and zero
// logical references. The caller must still attach a Descriptor once the
// physical heaps exist.
func (t *Table) Insert(spec InsertSpec) int32 {
	id := t.allocID(spec.ThreadHint)
	r := t.Get(id)

	t.lockSwap(id)
	r.Refs = 1
	r.LRefs = 0
	r.ShareCnt = 0
	r.CreatorID = int64(spec.ThreadHint)
	r.FarmID = spec.FarmID
	r.TParent = id
	r.VParent = id
	r.Desc = nil
	r.Options = ""
	status := Existing | Deleting | Hot
	if spec.Persistent {
		status |= Persistent
	} else {
		status |= Tmp
	}
	r.setStatus(status)
	t.unlockSwap(id)

	bakName := fmt.Sprintf("%s%o", TmpPrefix, id)
	r.BakName = bakName
	name := spec.LogicalName
	if name == "" {
		name = bakName
	}
	t.BindName(id, name)
	return id
}

// AttachDescriptor wires an already-constructed descriptor into a slot
// Insert just created: the descriptor exists in memory before the slot
// is ever visible to another caller. It marks the slot Loaded without
// taking an extra physical pin. The caller already holds the one Insert
// granted. Clearing Deleting here is what lets a concurrent Fix that
// arrived during the insert->AttachDescriptor window, and spun on
// Unstable, proceed.
func (t *Table) AttachDescriptor(id int32, desc Descriptor) {
	r := t.Get(id)
	t.lockSwap(id)
	r.Desc = desc
	r.setStatus((r.Status() &^ (Deleting | Loading | Swapped)) | Loaded | Hot)
	t.unlockSwap(id)
}

// spinUntilStable busy-waits (yielding between attempts) until the slot's
// status clears every Unstable bit, then returns with the swap lock
// held. Unstable status is always transient, so callers spin rather than
// block.
func (t *Table) spinUntilStable(id int32, r *Record) {
	t.lockSwap(id)
	for r.Status().Any(Unstable) {
		t.unlockSwap(id)
		runtime.Gosched()
		t.lockSwap(id)
	}
}

// viewParents reads id's current tail/vheap parents under the swap lock.
func (t *Table) viewParents(id int32, r *Record) (tparent, vparent int32, isView bool) {
	t.lockSwap(id)
	tparent, vparent, isView = r.IsView(id)
	t.unlockSwap(id)
	return tparent, vparent, isView
}

// SetParentLoader installs the callback Fix uses to bring an unloaded
// view parent back into memory while transitively pinning it. Callers
// wire this once, before the table is exposed to any concurrent caller;
// leaving it unset makes Fix on a view whose parent is not resident fail
// rather than load it.
func (t *Table) SetParentLoader(fn func(id int32) (Descriptor, error)) {
	t.parentLoader = fn
}

// Fix physically pins id, loading it via loader if it is not already
// resident. loader is called with no lock held. If id is a view, its
// tail/vheap parents are pinned first (transitively, through their own
// parents if they are themselves views) using the table's registered
// parent loader; on failure to pin a parent, any pins already taken are
// rolled back and Fix returns the error without touching id at all.
// Returns the live descriptor.
func (t *Table) Fix(id int32, loader func() (Descriptor, error)) (Descriptor, error) {
	r := t.Get(id)
	tparent, vparent, isView := t.viewParents(id, r)

	if isView {
		if err := t.fixParent(tparent); err != nil {
			return nil, fmt.Errorf("slot: fix id %d: pin parent %d: %w", id, tparent, err)
		}
		if vparent != tparent {
			if err := t.fixParent(vparent); err != nil {
				t.unfixParent(tparent)
				return nil, fmt.Errorf("slot: fix id %d: pin parent %d: %w", id, vparent, err)
			}
		}
	}

	desc, err := t.fixSelf(id, r, loader)
	if err != nil {
		if isView {
			t.unfixParent(tparent)
			if vparent != tparent {
				t.unfixParent(vparent)
			}
		}
		return nil, err
	}
	return desc, nil
}

// fixParent pins a view's parent, loading it through the table's
// registered parent loader if it is not already resident.
func (t *Table) fixParent(id int32) error {
	_, err := t.Fix(id, func() (Descriptor, error) {
		if t.parentLoader == nil {
			return nil, fmt.Errorf("slot: parent %d is not resident and no parent loader is registered", id)
		}
		return t.parentLoader(id)
	})
	return err
}

func (t *Table) unfixParent(id int32) {
	_ = t.Unfix(id)
}

// fixSelf is Fix's original-BAT half: spin until stable, then either
// bump Refs on an already-loaded slot or run loader and install the
// result. Caller has not taken any lock on id yet.
func (t *Table) fixSelf(id int32, r *Record, loader func() (Descriptor, error)) (Descriptor, error) {
	t.spinUntilStable(id, r)

	if r.Status().Has(Loaded) {
		r.Refs++
		r.setStatus(r.Status() | Hot)
		desc := r.Desc
		t.unlockSwap(id)
		return desc, nil
	}

	r.setStatus(r.Status() | Loading)
	t.unlockSwap(id)

	desc, err := loader()

	t.lockSwap(id)
	if err != nil {
		r.clearBits(Loading)
		t.unlockSwap(id)
		return nil, fmt.Errorf("slot: fix id %d: %w", id, err)
	}
	r.Desc = desc
	r.Refs++
	r.setStatus((r.Status() &^ (Loading | Swapped)) | Loaded | Hot)
	t.unlockSwap(id)
	return desc, nil
}

// Unfix releases a physical pin. It never unloads synchronously, that
// is the background trimmer's job (TryUnload), but it does perform the
// final free when the slot was already marked Deleted and has just
// reached zero total references, all inside the same swap-lock critical
// section as the decrement so no caller ever observes a torn state
// between "ref count is zero" and "slot is cleared". If id is a view,
// the parent pins Fix took transitively on its behalf are released
// afterward, in the same order Fix would unwind them.
func (t *Table) Unfix(id int32) error {
	r := t.Get(id)
	tparent, vparent, isView := t.viewParents(id, r)

	t.lockSwap(id)
	if r.Refs <= 0 {
		t.unlockSwap(id)
		panic(fmt.Sprintf("slot: unfix of id %d with no outstanding physical reference", id))
	}
	r.Refs--
	// HOT is deliberately left set here: clearing it is the background
	// trimmer's own cool-down pass, so a BAT stays immune to an ordinary
	// (non-aggressive) trim for one full cycle after its last use, not
	// just until its last pin drops.
	free := t.readyToFreeLocked(r)
	if free {
		r.Desc = nil
		r.setStatus(0)
	}
	t.unlockSwap(id)
	if free {
		t.finishFree(id)
	}

	if isView {
		t.unfixParent(tparent)
		if vparent != tparent {
			t.unfixParent(vparent)
		}
	}
	return nil
}

// readyToFreeLocked reports whether r has zero outstanding references of
// every kind, is marked Deleted, and is not in the middle of a load,
// unload, save, or commit window. Caller holds the slot's swap lock.
func (t *Table) readyToFreeLocked(r *Record) bool {
	return r.Refs == 0 && r.LRefs == 0 && r.ShareCnt == 0 &&
		r.Status().Has(Deleted) && !r.Status().Any(Waiting)
}

// finishFree removes id from the name index and returns it to its
// shard's free list. Called with no lock held; by the time it runs the
// slot's status is already 0, so Next and LogicalName are no longer
// under swap-lock jurisdiction (record.go).
func (t *Table) finishFree(id int32) {
	t.UnbindName(id)
	r := t.Get(id)
	r.BakName = ""
	r.PhysicalStem = ""
	r.FarmID = 0
	r.TParent = id
	r.VParent = id
	t.pushFree(t.cacheShard(int(id)), id)
}

// Retain adds a logical reference: the caller intends this BAT to
// persist independent of any physical pin, e.g. because it is bound
// into a catalog or held by name. Gaining the first logical reference
// ends the creator's ownership window, so CreatorID is cleared.
func (t *Table) Retain(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	if r.LRefs == 0 {
		r.CreatorID = 0
	}
	r.LRefs++
	t.unlockSwap(id)
}

// Release drops a logical reference, freeing the slot immediately if
// that was the last reference of any kind and the slot was already
// marked Deleted.
func (t *Table) Release(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	if r.LRefs <= 0 {
		t.unlockSwap(id)
		panic(fmt.Sprintf("slot: release of id %d with no outstanding logical reference", id))
	}
	r.LRefs--
	free := t.readyToFreeLocked(r)
	if free {
		r.Desc = nil
		r.setStatus(0)
	}
	t.unlockSwap(id)
	if free {
		t.finishFree(id)
	}
}

// MarkDeleted flags id as logically gone: it drops out of future catalog
// saves and is freed as soon as its reference counts allow. If the slot
// is already quiescent and unreferenced, it is freed immediately.
func (t *Table) MarkDeleted(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	r.setStatus((r.Status() &^ Persistent) | Deleted)
	free := t.readyToFreeLocked(r)
	if free {
		r.Desc = nil
		r.setStatus(0)
	}
	t.unlockSwap(id)
	if free {
		t.finishFree(id)
	}
}

// SetCold marks id as permanently excluded from the trimmer's unload
// scan (BBPcold), regardless of HOT or dirty state.
func (t *Table) SetCold(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	r.setStatus(r.Status() | Cold)
	t.unlockSwap(id)
}

// ClearHot clears the HOT bit without taking the swap lock; a single
// bit flip racing a concurrent setter is an acceptable approximation for
// the background trimmer's sweep.
func (t *Table) ClearHot(id int32) {
	t.Get(id).clearBits(Hot)
}

// unloadEligible reports whether r is a candidate for the trimmer to
// unload: no physical pin, no live view sharing its heaps, not itself a
// view (a view's own slot carries no heap bytes of its own to unload),
// not permanently pinned via SetCold, not already mid-transition, not
// carrying a logical reference unless it is PERSISTENT (a transient
// BAT with an outstanding logical reference has no catalog entry to
// reload it from, so unloading it would lose it), and not dirty unless
// the pass is aggressive and every heap is memory-mapped (where
// dropping the mapping loses nothing). aggressive additionally allows
// unloading a BAT that is still HOT (used under VM pressure).
func unloadEligible(id int32, r *Record, aggressive bool) bool {
	if r.Refs != 0 || r.ShareCnt != 0 {
		return false
	}
	if !r.Status().Has(Loaded) {
		return false
	}
	if r.Status().Any(Waiting) || r.Status().Has(Cold) {
		return false
	}
	if r.Status().Has(Hot) && !aggressive {
		return false
	}
	if _, _, isView := r.IsView(id); isView {
		return false
	}
	if r.LRefs != 0 && !r.Status().Has(Persistent) {
		return false
	}
	if r.Desc != nil && r.Desc.Dirty() {
		if !aggressive || !r.Desc.AllHeapsMemoryMapped() {
			return false
		}
	}
	return true
}

// TryUnload evicts id's in-memory descriptor if it is currently
// eligible. Returns false without doing anything if the slot is not a
// candidate right now. It never writes heap bytes: a dirty BAT is only
// evicted in the aggressive, all-heaps-memory-mapped case, where the
// bytes already live in the mapped file. Persisting dirty heaps is the
// commit protocol's job, staged through the backup tree, never a side
// effect of trimming.
func (t *Table) TryUnload(id int32, aggressive bool) bool {
	r := t.Get(id)
	t.lockSwap(id)
	if !unloadEligible(id, r, aggressive) {
		t.unlockSwap(id)
		return false
	}
	r.setStatus(r.Status() | Unloading)
	desc := r.Desc
	t.unlockSwap(id)

	t.inflightUnloads.Add(1)
	desc.Unload()
	t.inflightUnloads.Done()

	t.lockSwap(id)
	r.Desc = nil
	r.setStatus((r.Status() &^ (Unloading | Loaded | Hot)) | Swapped)
	free := t.readyToFreeLocked(r)
	if free {
		r.setStatus(0)
	}
	t.unlockSwap(id)
	if free {
		t.finishFree(id)
	}
	return true
}
