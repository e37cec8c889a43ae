package slot

import "fmt"

// Share turns id into a view: its tail heap aliases tparent's, and (if
// different) its vheap aliases vparent's. Passing id itself for either
// parent means "no parent for that heap" (own storage).
// Each distinct parent's ShareCnt is incremented, and a logical
// reference is taken on it too: a parent with no other logical holder
// must not be freed out from under a live view.
func (t *Table) Share(id, tparent, vparent int32) error {
	if tparent == id && vparent == id {
		return fmt.Errorf("slot: share id %d onto itself is not a view", id)
	}

	r := t.Get(id)
	t.lockSwap(id)
	if r.Status().Any(Unstable) {
		t.unlockSwap(id)
		return fmt.Errorf("slot: cannot share id %d while it is in an unstable state", id)
	}
	r.TParent = tparent
	r.VParent = vparent
	t.unlockSwap(id)

	if tparent != id {
		t.bumpShareCnt(tparent, 1)
		t.Retain(tparent)
	}
	if vparent != id && vparent != tparent {
		t.bumpShareCnt(vparent, 1)
		t.Retain(vparent)
	}
	return nil
}

// Unshare severs id's view relationship, decrementing the parents'
// ShareCnt, releasing the logical reference Share took on each, and
// restoring id as its own tail/vheap parent. Freeing a parent that has
// just dropped to zero total references is handled the same way as
// Unfix/Release, under the parent's own swap lock.
func (t *Table) Unshare(id int32) {
	r := t.Get(id)
	t.lockSwap(id)
	tparent, vparent := r.TParent, r.VParent
	r.TParent = id
	r.VParent = id
	t.unlockSwap(id)

	if tparent != id {
		t.bumpShareCnt(tparent, -1)
		t.Release(tparent)
	}
	if vparent != id && vparent != tparent {
		t.bumpShareCnt(vparent, -1)
		t.Release(vparent)
	}
}

func (t *Table) bumpShareCnt(id int32, delta int32) {
	r := t.Get(id)
	t.lockSwap(id)
	r.ShareCnt += delta
	if r.ShareCnt < 0 {
		panic(fmt.Sprintf("slot: sharecnt underflow on id %d", id))
	}
	free := delta < 0 && t.readyToFreeLocked(r)
	if free {
		r.Desc = nil
		r.setStatus(0)
	}
	t.unlockSwap(id)
	if free {
		t.finishFree(id)
	}
}
