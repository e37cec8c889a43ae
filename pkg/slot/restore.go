package slot

import "fmt"

// RestoreEntry is one persistent BAT's worth of catalog data, as loaded
// from pkg/catalog at startup to re-populate the table.
type RestoreEntry struct {
	ID           int32
	LogicalName  string
	BakName      string
	PhysicalStem string
	TParent      int32
	VParent      int32
	FarmID       int
	Options      string
	Persistent   bool
}

// Restore repopulates a freshly created table from a previously saved
// catalog. Each entry is installed at its recorded id with LRefs=1 (the
// catalog itself is the logical holder) and Refs=0; EXISTING is set, and
// PERSISTENT if the entry was. LOADED is never set here: heaps become
// resident lazily, on first Fix. Ids below the highest restored id that
// are not named in entries are returned to the free lists, available
// for the next Insert.
//
// Restore must run once, before the table is exposed to any concurrent
// caller, as a single-threaded startup scan; it takes no lock of its
// own.
func (t *Table) Restore(entries []RestoreEntry) error {
	byID := make(map[int32]RestoreEntry, len(entries))
	var maxID int32
	for _, e := range entries {
		if e.ID <= NilID {
			return fmt.Errorf("slot: restore entry with non-positive id %d", e.ID)
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("slot: restore entry id %d duplicated", e.ID)
		}
		byID[e.ID] = e
		if e.ID > maxID {
			maxID = e.ID
		}
	}

	newSize := maxID + 1
	if cur := t.size.Load(); cur > newSize {
		newSize = cur
	}
	t.extendLocked(newSize)
	t.size.Store(newSize)

	for id := int32(1); id < newSize; id++ {
		r := t.recordAt(id)
		e, ok := byID[id]
		if !ok {
			r.Next = NilID
			r.setStatus(0)
			continue
		}
		status := Existing
		if e.Persistent {
			status |= Persistent
		}
		r.setStatus(status)
		r.Refs = 0
		r.LRefs = 1
		r.ShareCnt = 0
		r.BakName = e.BakName
		r.PhysicalStem = e.PhysicalStem
		r.Options = e.Options
		r.TParent = e.TParent
		r.VParent = e.VParent
		r.FarmID = e.FarmID
		r.Desc = nil
	}

	t.rebuildNameIndex()

	for id := newSize - 1; id >= 1; id-- {
		if _, ok := byID[id]; ok {
			continue
		}
		t.pushFree(t.cacheShard(int(id)), id)
	}

	for id, e := range byID {
		if e.LogicalName != "" {
			t.BindName(id, e.LogicalName)
		}
	}
	return nil
}
