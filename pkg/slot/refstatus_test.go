package slot

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDescriptor struct {
	dirty    atomic.Bool
	unloaded atomic.Bool
	saved    atomic.Int32
	mapped   bool
}

func (d *fakeDescriptor) Dirty() bool                { return d.dirty.Load() }
func (d *fakeDescriptor) AllHeapsMemoryMapped() bool { return d.mapped }
func (d *fakeDescriptor) Save(pathStem string) error {
	d.saved.Add(1)
	d.dirty.Store(false)
	return nil
}
func (d *fakeDescriptor) Unload() { d.unloaded.Store(true) }

// insertLoaded runs the real creation sequence: Insert allocates the
// slot with the creator's pin, AttachDescriptor installs the in-memory
// form and clears the transitional Deleting bit.
func insertLoaded(tbl *Table, spec InsertSpec) (int32, *fakeDescriptor) {
	id := tbl.Insert(spec)
	d := &fakeDescriptor{mapped: true}
	tbl.AttachDescriptor(id, d)
	return id, d
}

// swapOut evicts id's descriptor so the next Fix has to go through the
// loader, the state a BAT restored from the catalog starts in.
func swapOut(t *testing.T, tbl *Table, id int32) {
	t.Helper()
	tbl.ClearHot(id)
	require.True(t, tbl.TryUnload(id, false))
}

func TestFixLoadsOnFirstUse(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})
	require.NoError(t, tbl.Unfix(id)) // drop the creator's pin
	swapOut(t, tbl, id)

	reloaded := &fakeDescriptor{mapped: true}
	var loads atomic.Int32
	loader := func() (Descriptor, error) {
		loads.Add(1)
		return reloaded, nil
	}

	desc, err := tbl.Fix(id, loader)
	require.NoError(t, err)
	require.Same(t, reloaded, desc)
	require.Equal(t, int32(1), loads.Load())
	require.True(t, tbl.Get(id).Status().Has(Loaded))
	require.Equal(t, int32(1), tbl.Get(id).Refs)

	// A second Fix must not call the loader again.
	desc2, err := tbl.Fix(id, loader)
	require.NoError(t, err)
	require.Same(t, reloaded, desc2)
	require.Equal(t, int32(1), loads.Load())
	require.Equal(t, int32(2), tbl.Get(id).Refs)
}

func TestFixPropagatesLoaderError(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})
	require.NoError(t, tbl.Unfix(id))
	swapOut(t, tbl, id)

	_, err := tbl.Fix(id, func() (Descriptor, error) {
		return nil, &ErrNameInUse{Name: "sentinel"}
	})
	require.Error(t, err)
	require.False(t, tbl.Get(id).Status().Has(Loaded))
	require.False(t, tbl.Get(id).Status().Has(Loading))
	require.Equal(t, int32(0), tbl.Get(id).Refs)
}

func TestUnfixDoesNotUnloadSynchronously(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})

	require.NoError(t, tbl.Unfix(id)) // drop the creator's pin
	require.True(t, tbl.Get(id).Status().Has(Loaded), "unfix alone must not unload; that is the trimmer's job")
}

func TestTryUnloadNeverEvictsDirtyPrivateHeap(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, fake := insertLoaded(tbl, InsertSpec{LogicalName: "a", Persistent: true})
	fake.mapped = false
	fake.dirty.Store(true)
	require.NoError(t, tbl.Unfix(id)) // creator's pin: refs hits 0
	tbl.ClearHot(id)

	require.False(t, tbl.TryUnload(id, false), "an ordinary trim must keep a dirty BAT resident")
	require.False(t, tbl.TryUnload(id, true), "dirty private memory has nowhere safe to go")
	require.True(t, tbl.Get(id).Status().Has(Loaded))
	require.False(t, fake.unloaded.Load())
	require.Equal(t, int32(0), fake.saved.Load(), "trimming must never write heap bytes")
}

func TestTryUnloadAggressiveEvictsDirtyMappedHeap(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, fake := insertLoaded(tbl, InsertSpec{LogicalName: "a", Persistent: true})
	fake.dirty.Store(true) // mapped stays true: the bytes live in the file
	require.NoError(t, tbl.Unfix(id))
	tbl.ClearHot(id)

	require.False(t, tbl.TryUnload(id, false), "only an aggressive pass may drop a dirty mapping")
	require.True(t, tbl.TryUnload(id, true))
	require.Equal(t, int32(0), fake.saved.Load(), "dropping a mapping is not a save")
	require.True(t, fake.unloaded.Load())
	require.True(t, tbl.Get(id).Status().Has(Swapped))
	require.False(t, tbl.Get(id).Status().Has(Loaded))
}

func TestTryUnloadRespectsCold(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})
	require.NoError(t, tbl.Unfix(id))

	tbl.SetCold(id)
	require.False(t, tbl.TryUnload(id, true), "a cold-pinned slot is never unloaded even aggressively")
}

func TestTryUnloadSkipsPinnedSlot(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})
	// The creator's pin is still held.

	tbl.ClearHot(id)
	require.False(t, tbl.TryUnload(id, true))
}

func TestRetainReleaseKeepsSlotAliveAcrossUnfix(t *testing.T) {
	tbl := NewTable(smallConfig())
	id, _ := insertLoaded(tbl, InsertSpec{LogicalName: "a"})
	tbl.Retain(id)
	require.NoError(t, tbl.Unfix(id)) // drop the creator's physical pin

	tbl.MarkDeleted(id)
	require.Equal(t, int32(1), tbl.Get(id).LRefs, "logical ref must still hold the slot open")

	tbl.Release(id)
	require.Equal(t, Status(0), tbl.Get(id).Status(), "slot should have been freed back to a clean state")
}

// TestUnfixZeroIsNeverTornState asserts the property this design uses to
// resolve the race between clearing a transitional status bit and
// observing a slot marked Deleted: from any other goroutine's point of
// view, a slot is always either fully live (non-zero status, consistent
// ref counts) or fully cleared (status zero, on a free list), never
// caught with its reference count at zero but its status bits
// half-updated.
func TestUnfixZeroIsNeverTornState(t *testing.T) {
	cfg := Config{ThreadMask: 3, BATMask: 3, BlockSize: 8, MaxBlocks: 4, StealThreshold: 20}
	tbl := NewTable(cfg)

	const rounds = 200
	var wg sync.WaitGroup
	var sawTorn atomic.Bool

	for i := 0; i < rounds; i++ {
		id, _ := insertLoaded(tbl, InsertSpec{ThreadHint: i})
		wg.Add(2)

		go func(id int32) {
			defer wg.Done()
			tbl.MarkDeleted(id)
		}(id)

		go func(id int32) {
			defer wg.Done()
			defer func() {
				// A panic here means Get observed an id whose
				// block disappeared mid-flight, which is not the
				// property under test; only report status torn-ness.
				_ = recover()
			}()
			r := tbl.Get(id)
			status := r.Status()
			if status != 0 {
				live := r.Refs > 0 || r.LRefs > 0 || r.ShareCnt > 0
				if !live && !status.Has(Deleted) {
					sawTorn.Store(true)
				}
			}
			_ = tbl.Unfix(id)
		}(id)

		wg.Wait()
	}

	require.False(t, sawTorn.Load())
}

// TestConcurrentInsertsYieldDistinctIDs spins two inserter goroutines
// creating a large batch each and asserts no id is ever handed out
// twice and the table's size lands exactly one past the total.
func TestConcurrentInsertsYieldDistinctIDs(t *testing.T) {
	const perThread = 10000
	cfg := Config{ThreadMask: 3, BATMask: 3, BlockSize: 4096, MaxBlocks: 8, StealThreshold: 20}
	tbl := NewTable(cfg)

	ids := make([][]int32, 2)
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			out := make([]int32, 0, perThread)
			for i := 0; i < perThread; i++ {
				out = append(out, tbl.Insert(InsertSpec{ThreadHint: g}))
			}
			ids[g] = out
		}(g)
	}
	wg.Wait()

	seen := make(map[int32]bool, 2*perThread)
	for _, batch := range ids {
		for _, id := range batch {
			require.False(t, seen[id], "id %d handed out twice", id)
			seen[id] = true
		}
	}
	require.Equal(t, int32(2*perThread+1), tbl.Size())
}
