package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotTriggersAfterThresholdAndTruncatesPrefix(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	n.r.cfg.SnapshotThreshold = 2
	n.r.cfg.SnapshotTrailing = 1

	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))
	pumpUntil(t, []*testClusterNode{n}, func() bool { return n.r.State() == StateLeader })

	for i := 0; i < 3; i++ {
		done := make(chan error, 1)
		n.r.Apply([]byte{byte(i)}, func(_ any, err error) { done <- err })
		pumpUntil(t, []*testClusterNode{n}, func() bool {
			select {
			case err := <-done:
				require.NoError(t, err)
				return true
			default:
				return false
			}
		})
	}

	pumpUntil(t, []*testClusterNode{n}, func() bool {
		base, ok, err := latestSnapshotForTest(t, n)
		return err == nil && ok && base != ""
	})

	require.Equal(t, 3, n.fsm.count())
	require.Greater(t, n.r.log.FirstIndex(), uint64(1))
}
