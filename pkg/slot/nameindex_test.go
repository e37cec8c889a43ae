package slot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBindLookupRename(t *testing.T) {
	tbl := NewTable(smallConfig())
	id := tbl.Insert(InsertSpec{LogicalName: "orders"})

	got, ok := tbl.Lookup("orders")
	require.True(t, ok)
	require.Equal(t, id, got)

	require.NoError(t, tbl.Rename(id, "orders_v2"))
	_, ok = tbl.Lookup("orders")
	require.False(t, ok)
	got, ok = tbl.Lookup("orders_v2")
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestRenameRejectsCollision(t *testing.T) {
	tbl := NewTable(smallConfig())
	_ = tbl.Insert(InsertSpec{LogicalName: "a"})
	idB := tbl.Insert(InsertSpec{LogicalName: "b"})

	err := tbl.Rename(idB, "a")
	require.Error(t, err)
	var inUse *ErrNameInUse
	require.ErrorAs(t, err, &inUse)
}

func TestRenameRoundTripRestoresIndex(t *testing.T) {
	tbl := NewTable(smallConfig())
	id := tbl.Insert(InsertSpec{LogicalName: "orders"})

	require.NoError(t, tbl.Rename(id, "orders_v2"))
	require.NoError(t, tbl.Rename(id, "orders"))

	got, ok := tbl.Lookup("orders")
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok = tbl.Lookup("orders_v2")
	require.False(t, ok)
}

func TestRenameRejectsForeignTmpName(t *testing.T) {
	tbl := NewTable(smallConfig())
	idA := tbl.Insert(InsertSpec{LogicalName: "a"})
	idB := tbl.Insert(InsertSpec{LogicalName: "b"})

	err := tbl.Rename(idA, tbl.Get(idB).BakName)
	require.Error(t, err)
	var illegal *ErrIllegalTempName
	require.ErrorAs(t, err, &illegal)

	// Renaming back to the slot's own default name is how a BAT sheds
	// its logical name, and stays legal.
	require.NoError(t, tbl.Rename(idA, tbl.Get(idA).BakName))
	_, ok := tbl.Lookup("a")
	require.False(t, ok)
}

func TestTmpNamesAreNeverIndexed(t *testing.T) {
	tbl := NewTable(smallConfig())
	id := tbl.Insert(InsertSpec{}) // anonymous: gets a tmp_<octal> BakName

	_, ok := tbl.Lookup(tbl.Get(id).BakName)
	require.False(t, ok, "tmp_ names must never resolve through Lookup")
}

func TestRebuildNameIndexSurvivesGrowth(t *testing.T) {
	cfg := Config{ThreadMask: 1, BATMask: 1, BlockSize: 2, MaxBlocks: 8, StealThreshold: 20}
	tbl := NewTable(cfg)

	var ids []int32
	for i := 0; i < 10; i++ {
		ids = append(ids, tbl.Insert(InsertSpec{LogicalName: namedFor(i)}))
	}
	for i, id := range ids {
		got, ok := tbl.Lookup(namedFor(i))
		require.True(t, ok)
		require.Equal(t, id, got)
	}
}

func namedFor(i int) string {
	return "col_" + string(rune('a'+i))
}
