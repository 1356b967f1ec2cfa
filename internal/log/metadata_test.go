package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadataLoadEmpty(t *testing.T) {
	dir, err := os.MkdirTemp("", "metadata-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	m := newMetadataStore(dir)
	st, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, metadataState{}, st)
}

func TestMetadataStoreAndLoad(t *testing.T) {
	dir, err := os.MkdirTemp("", "metadata-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	m := newMetadataStore(dir)

	require.NoError(t, m.Store(metadataState{Version: 1, CurrentTerm: 3, VotedFor: 7, FirstIndex: 1}))
	st, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(3), st.CurrentTerm)
	require.Equal(t, uint64(7), st.VotedFor)

	require.NoError(t, m.Store(metadataState{Version: 2, CurrentTerm: 4, VotedFor: 0, FirstIndex: 10}))
	st, err = m.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.Version)
	require.Equal(t, uint64(4), st.CurrentTerm)
	require.Equal(t, uint64(10), st.FirstIndex)

	// both slots should now be populated, one stale
	_, ok1, err := readMetadataFile(m.paths[0])
	require.NoError(t, err)
	_, ok2, err := readMetadataFile(m.paths[1])
	require.NoError(t, err)
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestMetadataAlternatesSlots(t *testing.T) {
	dir, err := os.MkdirTemp("", "metadata-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	m := newMetadataStore(dir)
	for v := uint64(1); v <= 5; v++ {
		require.NoError(t, m.Store(metadataState{Version: v, CurrentTerm: v}))
		st, err := m.Load()
		require.NoError(t, err)
		require.Equal(t, v, st.Version)
	}
}
