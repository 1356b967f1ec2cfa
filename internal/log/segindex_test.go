package log

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegIndex(t *testing.T) {
	f, err := os.CreateTemp("", "segindex_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	idx, err := newSegIndex(f, entWidth*3)
	require.NoError(t, err)

	entries := []struct {
		rel uint32
		pos uint64
		len uint32
	}{
		{0, 0, 10},
		{1, 10, 20},
	}
	for _, e := range entries {
		require.NoError(t, idx.Write(e.rel, e.pos, e.len))
	}

	for i, e := range entries {
		rel, pos, length, err := idx.Read(int64(i))
		require.NoError(t, err)
		require.Equal(t, e.rel, rel)
		require.Equal(t, e.pos, pos)
		require.Equal(t, e.len, length)
	}

	rel, pos, length, err := idx.Read(-1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rel)
	require.Equal(t, uint64(10), pos)
	require.Equal(t, uint32(20), length)

	_, _, _, err = idx.Read(2)
	require.Equal(t, io.EOF, err)

	require.NoError(t, idx.Close())

	f, err = os.OpenFile(f.Name(), os.O_RDWR, 0644)
	require.NoError(t, err)
	idx, err = newSegIndex(f, entWidth*3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx.NumEntries())
}

func TestSegIndexTruncateSuffix(t *testing.T) {
	f, err := os.CreateTemp("", "segindex_truncate_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	idx, err := newSegIndex(f, entWidth*4)
	require.NoError(t, err)
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, idx.Write(i, uint64(i)*10, 10))
	}
	idx.TruncateSuffixFrom(2)
	require.Equal(t, uint64(2), idx.NumEntries())
}
