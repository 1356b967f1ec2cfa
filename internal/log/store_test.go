package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

var write = []byte("hello world")

func TestStoreAppendReadAt(t *testing.T) {
	f, err := os.CreateTemp("", "store_append_read_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)

	var positions []uint64
	for i := 0; i < 3; i++ {
		n, pos, err := s.Append(write)
		require.NoError(t, err)
		require.Equal(t, uint64(len(write)), n)
		positions = append(positions, pos)
	}

	for _, pos := range positions {
		b := make([]byte, len(write))
		n, err := s.ReadAt(b, int64(pos))
		require.NoError(t, err)
		require.Equal(t, len(write), n)
		require.Equal(t, write, b)
	}
}

func TestStoreClose(t *testing.T) {
	f, err := os.CreateTemp("", "store_close_test")
	require.NoError(t, err)
	defer os.Remove(f.Name())

	s, err := newStore(f)
	require.NoError(t, err)
	_, _, err = s.Append(write)
	require.NoError(t, err)

	beforeSize, err := fileSize(f.Name())
	require.NoError(t, err)

	require.NoError(t, s.Close())

	afterSize, err := fileSize(f.Name())
	require.NoError(t, err)
	require.True(t, afterSize > beforeSize)
}

func fileSize(name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
