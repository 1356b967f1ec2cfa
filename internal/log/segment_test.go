package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAppendReadSeal(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := Config{
		BlockSize:        64,
		BlocksPerSegment: 3,
		MaxIndexEntries:  3,
	}

	s, err := newOpenSegment(dir, 7, cfg)
	require.NoError(t, err)
	s.Activate(16)
	require.False(t, s.IsMaxed())

	entry := Entry{Term: 1, Type: EntryCommand, Payload: []byte("hello world")}
	for i := uint64(0); i < 3; i++ {
		idx, err := s.Append(entry)
		require.NoError(t, err)
		require.Equal(t, 16+i, idx)

		got, err := s.Get(idx)
		require.NoError(t, err)
		require.Equal(t, entry.Payload, got.Payload)
		require.Equal(t, entry.Term, got.Term)
	}

	require.True(t, s.IsMaxed())
	require.Equal(t, uint64(18), s.LastIndex())

	require.NoError(t, s.Seal())
	_, err = os.Stat(dir + "/0000000000000010-0000000000000012.store")
	require.NoError(t, err)
}

func TestSegmentTruncateSuffix(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment-truncate-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := Config{BlockSize: 64, BlocksPerSegment: 8, MaxIndexEntries: 8}
	s, err := newOpenSegment(dir, 1, cfg)
	require.NoError(t, err)
	s.Activate(1)

	for i := 0; i < 4; i++ {
		_, err := s.Append(Entry{Term: 1, Type: EntryCommand, Payload: []byte("x")})
		require.NoError(t, err)
	}
	s.TruncateSuffix(3)
	require.Equal(t, uint64(2), s.LastIndex())
}

func TestSegmentRemove(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment-remove-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := Config{BlockSize: 64, BlocksPerSegment: 8, MaxIndexEntries: 8}
	s, err := newOpenSegment(dir, 2, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Remove())

	_, err = os.Stat(dir + "/open-2.store")
	require.True(t, os.IsNotExist(err))
}
