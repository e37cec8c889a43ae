package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colstore/bbp/pkg/config"
	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/heap"
	"github.com/colstore/bbp/pkg/heap/memheap"
	"github.com/colstore/bbp/pkg/slot"
)

// testBAT satisfies Descriptor (slot.Descriptor + commit.BAT) with a
// single tail heap and no vheap, enough to exercise the engine's full
// fix/unfix/save/sync path without a real column store.
type testBAT struct {
	tail   *memheap.Heap
	farmID int
}

func newTestBAT(farmID int) *testBAT {
	return &testBAT{tail: memheap.New(farmID, ".tail"), farmID: farmID}
}

func (b *testBAT) Dirty() bool                { return b.tail.Dirty() }
func (b *testBAT) AllHeapsMemoryMapped() bool { return b.tail.Storage() == heap.StorageMemoryMapped }
func (b *testBAT) Save(pathStem string) error { return b.tail.SaveHeap(pathStem) }
func (b *testBAT) Unload()                    { b.tail.FreeHeapInMemory() }
func (b *testBAT) TailHeap() heap.Heap        { return b.tail }
func (b *testBAT) VHeap() (heap.Heap, bool)   { return nil, false }

func testConfig(dir string) *config.Config {
	return &config.Config{
		Farms: []config.FarmSpec{
			{Name: "persistent", Dir: dir, Roles: []config.FarmRole{config.RolePersistent}},
			{Name: "transient", Dir: "", Roles: []config.FarmRole{config.RoleTransient}},
		},
		Tuning: config.Tuning{ThreadMask: 3, BATMask: 3},
	}
}

// reloadingFactory reads a BAT's tail heap back from disk, for Fix calls
// issued after an unload or a fresh restore from catalog.
func reloadingFactory(e **Engine) DescriptorFactory {
	return func(meta BATMeta) (Descriptor, error) {
		var root string
		for _, f := range (*e).Farms() {
			if f.ID == meta.FarmID {
				root = f.Dir
			}
		}
		b := newTestBAT(meta.FarmID)
		path := filepath.Join(root, farm.BatDir, meta.PhysicalStem+".tail")
		if data, err := os.ReadFile(path); err == nil {
			b.tail.Data = data
		}
		return b, nil
	}
}

var errNoLoad = fmt.Errorf("engine_test: loader should not be called in this test")

func noLoadFactory(meta BATMeta) (Descriptor, error) {
	return nil, errNoLoad
}

func TestInsertAttachesLoadedDescriptorWithoutFactory(t *testing.T) {
	dir := t.TempDir()
	e, err := Init(testConfig(dir), true, noLoadFactory)
	require.NoError(t, err)

	bat := newTestBAT(0)
	bat.tail.Write([]byte("hello"))
	id, err := e.Insert(0, "a", true, bat)
	require.NoError(t, err)

	d, ok := e.QuickDescriptor(id)
	require.True(t, ok)
	require.Same(t, bat, d)
}

func TestSyncWritesCatalogAndHeapThenRestoreFindsIt(t *testing.T) {
	dir := t.TempDir()

	var e1 *Engine
	e1, err := Init(testConfig(dir), true, reloadingFactory(&e1))
	require.NoError(t, err)

	bat := newTestBAT(0)
	bat.tail.Write([]byte("payload"))
	id, err := e1.Insert(0, "widgets", true, bat)
	require.NoError(t, err)

	res, err := e1.Sync(nil, 7, 9)
	require.NoError(t, err)
	require.Contains(t, res.Committed, id)
	require.Equal(t, int64(7), e1.GetLogNo())
	require.Equal(t, int64(9), e1.GetTransID())

	var e2 *Engine
	e2, err = Init(testConfig(dir), false, reloadingFactory(&e2))
	require.NoError(t, err)

	require.Equal(t, int64(7), e2.GetLogNo())
	restoredID, ok := e2.Index("widgets")
	require.True(t, ok)
	require.Equal(t, id, restoredID)
	require.Equal(t, int32(1), e2.table.Snapshot(restoredID).LRefs,
		"the restored catalog is the persistent BAT's one logical holder")

	d, err := e2.Fix(restoredID)
	require.NoError(t, err)
	tb := d.(*testBAT)
	require.Equal(t, "payload", string(tb.tail.Data))
}

func TestUnfixThenTrimThenFixReloads(t *testing.T) {
	dir := t.TempDir()
	var e *Engine
	e, err := Init(testConfig(dir), true, reloadingFactory(&e))
	require.NoError(t, err)

	bat := newTestBAT(0)
	bat.tail.Write([]byte("v1"))
	id, err := e.Insert(0, "x", true, bat)
	require.NoError(t, err)
	_, err = e.Sync(nil, 1, 1)
	require.NoError(t, err)

	require.NoError(t, e.Unfix(id)) // drop Insert's pin
	e.table.ClearHot(id)

	tr := e.Trimmer(nil)
	require.Equal(t, 1, tr.RunOnce(false))

	d, err := e.Fix(id)
	require.NoError(t, err)
	tb := d.(*testBAT)
	require.Equal(t, "v1", string(tb.tail.Data))
	require.NoError(t, e.Unfix(id))
}

func TestColdBlocksTrim(t *testing.T) {
	dir := t.TempDir()
	var e *Engine
	e, err := Init(testConfig(dir), true, reloadingFactory(&e))
	require.NoError(t, err)

	bat := newTestBAT(0)
	id, err := e.Insert(0, "y", true, bat)
	require.NoError(t, err)
	e.Cold(id)
	require.NoError(t, e.Unfix(id))
	e.table.ClearHot(id)

	require.Equal(t, 0, e.Trimmer(nil).RunOnce(true))
}

func TestReclaimFreesAnonymousBAT(t *testing.T) {
	dir := t.TempDir()
	// A single free-list shard makes slot reuse deterministic: the
	// reclaimed id must be the very next one handed out.
	cfg := testConfig(dir)
	cfg.Tuning = config.Tuning{ThreadMask: 0, BATMask: 0}
	var e *Engine
	e, err := Init(cfg, true, reloadingFactory(&e))
	require.NoError(t, err)

	bat := newTestBAT(0)
	id, err := e.Cache(bat)
	require.NoError(t, err)

	require.NoError(t, e.Reclaim(id))

	next, err := e.Cache(newTestBAT(0))
	require.NoError(t, err)
	require.Equal(t, id, next)
}

// A view over a persistent BAT holds the parent's sharecnt up through a
// commit; severing the view drops it back without touching the parent's
// persistence.
func TestViewHoldsParentShareAcrossSync(t *testing.T) {
	dir := t.TempDir()
	var e *Engine
	e, err := Init(testConfig(dir), true, reloadingFactory(&e))
	require.NoError(t, err)

	parent := newTestBAT(0)
	parent.tail.Write([]byte("base"))
	b, err := e.Insert(0, "base_col", true, parent)
	require.NoError(t, err)

	v, err := e.Insert(0, "view_col", true, newTestBAT(0))
	require.NoError(t, err)
	require.NoError(t, e.Share(v, b, b))
	e.Retain(v)

	_, err = e.Sync(nil, 1, 1)
	require.NoError(t, err)
	require.Equal(t, int32(1), e.table.Snapshot(b).ShareCnt)

	e.Unshare(v)
	e.Release(v)
	snap := e.table.Snapshot(b)
	require.Equal(t, int32(0), snap.ShareCnt)
	require.True(t, snap.Status.Has(slot.Persistent))
}
