package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroID(t *testing.T) {
	_, err := New(Options{ID: 0, Dir: t.TempDir()})
	require.Error(t, err)
	require.True(t, Is(err, KindBadServerID))
}

func TestNewStartsUnavailable(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	require.Equal(t, StateUnavailable, n.r.State())
}

func TestBootstrapBecomesFollower(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)

	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))
	require.Equal(t, StateFollower, n.r.State())
	require.Equal(t, uint64(1), n.r.log.LastIndex())
}

func TestBootstrapRejectsASecondTime(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	err := n.r.Bootstrap(cfg)
	require.Error(t, err)
	require.True(t, Is(err, KindBusy))
}

func TestRecoverRestoresConfigurationAndFollowerState(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	done := make(chan error, 1)
	n.r.Close(func(err error) { done <- err })
	pumpUntil(t, []*testClusterNode{n}, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})

	net2 := newFakeNetwork()
	loop := n.loop
	r2, err := New(Options{
		ID:        1,
		Address:   n.r.addr,
		Dir:       n.dir,
		Config:    fastConfig(),
		Transport: newFakeTransport(1, n.r.addr, net2),
		FSM:       &fakeFSM{},
		Loop:      loop,
	})
	require.NoError(t, err)
	require.NoError(t, r2.Recover())
	require.Equal(t, StateFollower, r2.State())
	require.Equal(t, 1, r2.currentConfig.NVoting())
}

func TestCloseIsIdempotent(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	results := make(chan error, 2)
	cb := func(err error) { results <- err }
	n.r.Close(cb)
	n.r.Close(cb)

	pumpUntil(t, []*testClusterNode{n}, func() bool {
		return len(results) == 2
	})
	require.NoError(t, <-results)
	require.NoError(t, <-results)
}
