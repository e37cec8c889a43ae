package trim

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colstore/bbp/pkg/slot"
)

type fakeDescriptor struct {
	dirty    atomic.Bool
	unloaded atomic.Bool
	mapped   bool
}

func (d *fakeDescriptor) Dirty() bool                { return d.dirty.Load() }
func (d *fakeDescriptor) AllHeapsMemoryMapped() bool { return d.mapped }
func (d *fakeDescriptor) Save(pathStem string) error { d.dirty.Store(false); return nil }
func (d *fakeDescriptor) Unload()                    { d.unloaded.Store(true) }

func smallConfig() slot.Config {
	return slot.Config{ThreadMask: 0, BATMask: 0, BlockSize: 64, MaxBlocks: 4, StealThreshold: 20}
}

func insertLoaded(tbl *slot.Table, spec slot.InsertSpec) (int32, *fakeDescriptor) {
	id := tbl.Insert(spec)
	desc := &fakeDescriptor{mapped: true}
	tbl.AttachDescriptor(id, desc)
	return id, desc
}

func TestRunOnceUnloadsColdCleanBAT(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	id, desc := insertLoaded(tbl, slot.InsertSpec{LogicalName: "a", Persistent: true})
	require.NoError(t, tbl.Unfix(id)) // drop the creator's pin
	tbl.ClearHot(id)

	tr := New(tbl, nil)
	require.Equal(t, 1, tr.RunOnce(false))
	require.True(t, desc.unloaded.Load())
	require.True(t, tbl.Get(id).Status().Has(slot.Swapped))
}

func TestRunOnceSkipsHotBAT(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	id, desc := insertLoaded(tbl, slot.InsertSpec{LogicalName: "a", Persistent: true})
	require.NoError(t, tbl.Unfix(id))
	// HOT is still set (AttachDescriptor sets it); a non-aggressive pass
	// must skip it.

	tr := New(tbl, nil)
	require.Equal(t, 0, tr.RunOnce(false))
	require.False(t, desc.unloaded.Load())
}

func TestRunOnceKeepsDirtyBATResident(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	id, desc := insertLoaded(tbl, slot.InsertSpec{LogicalName: "a", Persistent: true})
	desc.mapped = false
	desc.dirty.Store(true)
	require.NoError(t, tbl.Unfix(id))
	tbl.ClearHot(id)

	tr := New(tbl, nil)
	require.Equal(t, 0, tr.RunOnce(false))
	require.Equal(t, 0, tr.RunOnce(true))
	require.True(t, tbl.Get(id).Status().Has(slot.Loaded))
	require.False(t, desc.unloaded.Load())
}

func TestClearHotPassClearsOnlyUnpinnedLogicalHolders(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	id, _ := insertLoaded(tbl, slot.InsertSpec{LogicalName: "a", Persistent: true})
	tbl.Retain(id)
	require.NoError(t, tbl.Unfix(id)) // drop the creator's physical pin; lrefs=1, refs=0

	tr := New(tbl, nil)
	tr.clearHotPass()
	require.False(t, tbl.Get(id).Status().Has(slot.Hot))
}

func TestSleepDurationTiers(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	cases := []struct {
		cur, max uint64
		want     time.Duration
	}{
		{60, 100, 100 * time.Millisecond},
		{30, 100, time.Second},
		{10, 100, 10 * time.Second},
		{0, 0, 10 * time.Second},
	}
	for _, c := range cases {
		tr := New(tbl, func() (uint64, uint64) { return c.cur, c.max })
		require.Equal(t, c.want, tr.sleepDuration())
	}
}

func TestStartStop(t *testing.T) {
	tbl := slot.NewTable(smallConfig())
	tr := New(tbl, func() (uint64, uint64) { return 0, 1 })
	tr.Start()
	time.Sleep(5 * time.Millisecond)
	tr.Stop()
}
