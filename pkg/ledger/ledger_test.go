package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndList(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(Entry{OriginalPath: "/farm/bat/01/142", DetectedID: 98, Reason: "unexpected file during disk scan", QuarantinedAt: 1000}))
	require.NoError(t, l.Record(Entry{OriginalPath: "/farm/bat/7.kill", DetectedID: 7, Reason: "kill marker without matching catalog entry", QuarantinedAt: 1001}))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestForgetRemovesEntry(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record(Entry{OriginalPath: "/x", DetectedID: 1}))
	require.NoError(t, l.Forget("/x"))

	entries, err := l.List()
	require.NoError(t, err)
	require.Empty(t, entries)
}
