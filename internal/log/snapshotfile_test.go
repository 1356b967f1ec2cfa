package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotWriteRead(t *testing.T) {
	dir, err := os.MkdirTemp("", "snapshot-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	meta := SnapshotMeta{
		LastIncludedIndex: 42,
		LastIncludedTerm:  3,
		Timestamp:         1700000000,
		ConfigurationData: []byte("encoded-configuration"),
	}
	base, err := WriteSnapshot(dir, meta, []byte("fsm-state"))
	require.NoError(t, err)

	gotMeta, data, err := ReadSnapshot(dir, base)
	require.NoError(t, err)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, []byte("fsm-state"), data)
}

func TestLatestSnapshotPicksHighestIndex(t *testing.T) {
	dir, err := os.MkdirTemp("", "snapshot-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = WriteSnapshot(dir, SnapshotMeta{LastIncludedIndex: 10, LastIncludedTerm: 1, Timestamp: 100}, []byte("a"))
	require.NoError(t, err)
	newest, err := WriteSnapshot(dir, SnapshotMeta{LastIncludedIndex: 20, LastIncludedTerm: 1, Timestamp: 200}, []byte("b"))
	require.NoError(t, err)

	latest, ok, err := LatestSnapshot(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newest, latest)
}

func TestLatestSnapshotIgnoresPartialWrite(t *testing.T) {
	dir, err := os.MkdirTemp("", "snapshot-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, ok, err := LatestSnapshot(dir)
	require.NoError(t, err)
	require.False(t, ok)

	base := snapshotBaseName(1, 5, 123)
	require.NoError(t, os.WriteFile(dir+"/"+base+".meta", []byte("x"), 0644))
	// .data intentionally missing: write crashed before it was renamed in

	_, ok, err = LatestSnapshot(dir)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveSnapshot(t *testing.T) {
	dir, err := os.MkdirTemp("", "snapshot-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	base, err := WriteSnapshot(dir, SnapshotMeta{LastIncludedIndex: 1, LastIncludedTerm: 1, Timestamp: 1}, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, RemoveSnapshot(dir, base))

	_, _, err = ReadSnapshot(dir, base)
	require.Error(t, err)
}
