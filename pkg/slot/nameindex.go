package slot

import (
	"hash/fnv"
	"strings"
)

// TmpPrefix marks a generated, non-persistent name: the default BakName
// given to a farm-local temporary (tmp_<octal slot id>). Names with this
// prefix are never entered into the name index: a BAT only needs to be
// found by name once it has been given a real LogicalName.
const TmpPrefix = "tmp_"

func isTmpName(name string) bool {
	return strings.HasPrefix(name, TmpPrefix)
}

func nameHash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

func nextPow2(n int32) int32 {
	if n < 16 {
		return 16
	}
	p := int32(16)
	for p < n {
		p <<= 1
	}
	return p
}

func (t *Table) bucketOf(name string) uint32 {
	return nameHash(name) & t.bucketMask
}

// rebuildNameIndex recomputes the bucket array from scratch, sized to
// the table's current limit, rebuilt whenever the table grows.
// Only slots with a non-empty, non-temporary LogicalName are linked; a
// free or unnamed slot's Next keeps whatever role the free list gave it.
// The two roles never overlap, because finishFree clears LogicalName
// (through UnbindName) before a slot returns to a free list.
func (t *Table) rebuildNameIndex() {
	t.NameLock.Lock()
	defer t.NameLock.Unlock()

	size := nextPow2(t.limit.Load())
	buckets := make([]int32, size)

	for id := int32(1); id < t.size.Load(); id++ {
		r := t.recordAt(id)
		if r == nil || r.LogicalName == "" || isTmpName(r.LogicalName) {
			continue
		}
		b := nameHash(r.LogicalName) & uint32(size-1)
		r.Next = buckets[b]
		buckets[b] = id
	}

	t.buckets = buckets
	t.bucketMask = uint32(size - 1)
}

// Lookup returns the id bound to name, if any. Temporary names
// (tmp_<octal>) are never indexed and always miss.
func (t *Table) Lookup(name string) (int32, bool) {
	if isTmpName(name) {
		return NilID, false
	}
	t.NameLock.RLock()
	defer t.NameLock.RUnlock()
	return t.lookupLocked(name)
}

func (t *Table) lookupLocked(name string) (int32, bool) {
	if len(t.buckets) == 0 {
		return NilID, false
	}
	id := t.buckets[t.bucketOf(name)]
	for id != NilID {
		r := t.recordAt(id)
		if r.LogicalName == name {
			return id, true
		}
		id = r.Next
	}
	return NilID, false
}

// BindName inserts id under name in the index, replacing any
// previous index membership for id. No-op (but still clears prior
// membership) for temporary names.
func (t *Table) BindName(id int32, name string) {
	t.NameLock.Lock()
	defer t.NameLock.Unlock()

	r := t.recordAt(id)
	t.unlinkLocked(id, r.LogicalName)
	r.LogicalName = name
	if isTmpName(name) {
		r.Next = NilID
		return
	}
	b := t.bucketOf(name)
	r.Next = t.buckets[b]
	t.buckets[b] = id
}

// UnbindName removes id from the index and clears LogicalName, returning
// the slot's Next field to a clean NilID state so it is safe to hand to a
// free list.
func (t *Table) UnbindName(id int32) {
	t.NameLock.Lock()
	defer t.NameLock.Unlock()

	r := t.recordAt(id)
	t.unlinkLocked(id, r.LogicalName)
	r.LogicalName = ""
	r.Next = NilID
}

// unlinkLocked removes id from the chain for its current name, if it is
// actually indexed under one. Caller holds NameLock.
func (t *Table) unlinkLocked(id int32, name string) {
	if name == "" || isTmpName(name) || len(t.buckets) == 0 {
		return
	}
	b := t.bucketOf(name)
	cur := t.buckets[b]
	if cur == id {
		r := t.recordAt(id)
		t.buckets[b] = r.Next
		return
	}
	prev := cur
	for prev != NilID {
		pr := t.recordAt(prev)
		if pr.Next == id {
			r := t.recordAt(id)
			pr.Next = r.Next
			return
		}
		prev = pr.Next
	}
}

// Rename moves id's index membership from its current name to newName.
// Fails if newName is already bound to a different, live id, or if it is
// a tmp_ name other than the slot's own BakName (renaming back to the
// default name is how a BAT sheds its logical name).
func (t *Table) Rename(id int32, newName string) error {
	t.NameLock.Lock()
	defer t.NameLock.Unlock()

	if isTmpName(newName) {
		if newName != t.recordAt(id).BakName {
			return &ErrIllegalTempName{ID: id, Name: newName}
		}
	} else {
		if existing, ok := t.lookupLocked(newName); ok && existing != id {
			return errNameInUse(newName)
		}
	}
	r := t.recordAt(id)
	t.unlinkLocked(id, r.LogicalName)
	r.LogicalName = newName
	if isTmpName(newName) {
		r.Next = NilID
		return nil
	}
	b := t.bucketOf(newName)
	r.Next = t.buckets[b]
	t.buckets[b] = id
	return nil
}
