package catalog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{
			ID: 1, StatusFlags: 0x21, LogicalName: "orders", PhysicalStem: "1",
			Count: 100, Capacity: 128, AtomType: "int", Width: 4,
			Properties: PropSorted | PropDense, SeqBase: 0,
			TailFree: 400, TailSize: 512, MinPos: 0, MaxPos: 99,
			FarmID: 0, BakName: "tmp_1", TParent: 1, VParent: 1, Persistent: true,
		},
		{
			ID: 2, StatusFlags: 0x21, LogicalName: "", PhysicalStem: "2",
			Count: 3, Capacity: 8, AtomType: "str", Width: 0,
			VarFlags: VarFlagVarWidth, HasVHeap: true,
			TailFree: 24, TailSize: 64, VHeapFree: 40, VHeapSize: 128,
			MinPos: NilOID, MaxPos: NilOID,
			FarmID: 0, BakName: "tmp_2", TParent: 1, VParent: 1, Options: "readonly",
		},
	}
}

func sampleHeader() Header {
	return Header{Version: CurrentVersion, PointerSz: PointerSize, OIDSz: OIDSize, MaxIntSz: MaxIntSize, Size: 3, LogNo: 42, TransID: 7}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hdr := sampleHeader()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, hdr, sampleEntries()))

	gotHdr, gotEntries, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, hdr, gotHdr)
	require.Equal(t, sampleEntries(), gotEntries)
}

func TestEncodeQuotesSpacesInNames(t *testing.T) {
	hdr := sampleHeader()
	entries := []Entry{{ID: 1, LogicalName: "has space", PhysicalStem: "1", AtomType: "int"}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, hdr, entries))

	_, got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, "has space", got[0].LogicalName)
}

func TestOptionsWithCommaAndSpaceSurviveRoundTrip(t *testing.T) {
	hdr := sampleHeader()
	entries := []Entry{{
		ID: 1, PhysicalStem: "1", AtomType: "int",
		MinPos: NilOID, MaxPos: NilOID,
		Options: "compress=lz4, level=3",
	}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, hdr, entries))

	_, got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, "compress=lz4, level=3", got[0].Options)
}

func TestDecodeRejectsOldVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 1\n8 8 8\nBBPsize=0\nBBPinfo=0 0\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 99\n8 8 8\nBBPsize=0\nBBPinfo=0 0\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsEmptyFile(t *testing.T) {
	_, _, err := Decode(&bytes.Buffer{})
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not a catalog\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsPointerSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 8\n4 8 8\nBBPsize=0\nBBPinfo=0 0\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsOIDSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 8\n8 4 8\nBBPsize=0\nBBPinfo=0 0\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsOversizedMaxInt(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 8\n8 8 16\nBBPsize=0\nBBPinfo=0 0\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeRejectsUnknownPropertiesBit(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 8\n8 8 8\nBBPsize=1\nBBPinfo=0 0\n")
	buf.WriteString("1 0 a 1 0 0 0 0 int 4 0 4096 0 0 0 0 0 0 0 0 0 0 -\n")
	_, _, err := Decode(&buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeMinMaxPosVersionHasNoMinMaxFields(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("BBP.dir, GDKversion 6\n8 8 8\nBBPsize=1\nBBPinfo=0 0\n")
	buf.WriteString("1 0 a 1 0 0 0 0 int 4 0 0 0 0 0 0 0 0 0 0 -\n")
	_, entries, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, NilOID, entries[0].MinPos)
	require.Equal(t, NilOID, entries[0].MaxPos)
}

func TestSaveLoadAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BBP.dir")
	hdr := sampleHeader()
	hdr.LogNo, hdr.TransID = 1, 1

	require.NoError(t, Save(path, hdr, sampleEntries()))
	gotHdr, gotEntries, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, hdr, gotHdr)
	require.Equal(t, sampleEntries(), gotEntries)

	// The .tmp sibling must not survive a successful save.
	_, _, err = Load(path + ".tmp")
	require.Error(t, err)
}

func TestSaveOverwritesPreviousCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BBP.dir")
	hdr1 := sampleHeader()
	hdr1.Size, hdr1.LogNo, hdr1.TransID = 1, 1, 1
	require.NoError(t, Save(path, hdr1, sampleEntries()[:1]))

	hdr2 := sampleHeader()
	hdr2.LogNo, hdr2.TransID = 2, 2
	require.NoError(t, Save(path, hdr2, sampleEntries()))

	gotHdr, gotEntries, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, hdr2, gotHdr)
	require.Len(t, gotEntries, 2)
}
