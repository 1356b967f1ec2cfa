package raft

import (
	"testing"

	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/stretchr/testify/require"
)

func TestChangeConfigurationAddsVoterAndCommits(t *testing.T) {
	net, nodes := bootstrapCluster(t, 3)
	leader := waitForLeader(t, nodes)

	// wait for the leader to commit something of its own term first, since
	// this implementation gates configuration changes on that.
	pumpUntil(t, nodes, func() bool {
		leader.r.mu.Lock()
		defer leader.r.mu.Unlock()
		return leader.r.hasCommittedOwnTermEntryLocked()
	})

	fourth := newTestNode(t, 4, net)
	require.NoError(t, fourth.r.Recover())

	leader.r.mu.Lock()
	next := leader.r.currentConfig.Copy()
	leader.r.mu.Unlock()
	require.NoError(t, next.Add(4, fourth.r.addr, configuration.RoleVoter))

	done := make(chan error, 1)
	leader.r.ChangeConfiguration(next, func(err error) { done <- err })

	all := append(append([]*testClusterNode{}, nodes...), fourth)
	pumpUntil(t, all, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})

	leader.r.mu.Lock()
	n := leader.r.currentConfig.NVoting()
	leader.r.mu.Unlock()
	require.Equal(t, 4, n)
}

func TestChangeConfigurationRejectsWhileOneUncommitted(t *testing.T) {
	_, nodes := bootstrapCluster(t, 3)
	leader := waitForLeader(t, nodes)

	pumpUntil(t, nodes, func() bool {
		leader.r.mu.Lock()
		defer leader.r.mu.Unlock()
		return leader.r.hasCommittedOwnTermEntryLocked()
	})

	leader.r.mu.Lock()
	leader.r.uncommittedConfigIndex = 999
	leader.r.mu.Unlock()

	errCh := make(chan error, 1)
	leader.r.ChangeConfiguration(leader.r.currentConfig, func(err error) { errCh <- err })
	err := <-errCh
	require.Error(t, err)
	require.True(t, Is(err, KindConfigurationBusy))
}
