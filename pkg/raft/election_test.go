package raft

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// bootstrapCluster brings up n nodes sharing one fakeTransport network: the
// first bootstraps with the full voter configuration, the rest recover
// against an empty log and learn the configuration once it replicates.
func bootstrapCluster(t *testing.T, n int) (*sync.Map, []*testClusterNode) {
	t.Helper()
	net := newFakeNetwork()
	nodes := make([]*testClusterNode, n)
	for i := 0; i < n; i++ {
		nodes[i] = newTestNode(t, ServerID(i+1), net)
	}
	cfg := threeVoterConfiguration(nodes)

	require.NoError(t, nodes[0].r.Bootstrap(cfg))
	for i := 1; i < n; i++ {
		require.NoError(t, nodes[i].r.Recover())
	}
	return net, nodes
}

func anyLeader(nodes []*testClusterNode) *testClusterNode {
	for _, n := range nodes {
		if n.r.State() == StateLeader {
			return n
		}
	}
	return nil
}

func TestSingleVoterClusterElectsItself(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	pumpUntil(t, []*testClusterNode{n}, func() bool {
		return n.r.State() == StateLeader
	})
}

func TestThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	_, nodes := bootstrapCluster(t, 3)

	pumpUntil(t, nodes, func() bool {
		return anyLeader(nodes) != nil
	})

	leaders := 0
	term := anyLeader(nodes).r.CurrentTerm()
	for _, n := range nodes {
		if n.r.State() == StateLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
	require.Greater(t, term, uint64(0))
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	n.r.mu.Lock()
	n.r.currentTerm = 5
	n.r.mu.Unlock()

	resp := n.r.HandleRequestVote(&RequestVoteRequest{CandidateID: 2, Term: 3})
	require.False(t, resp.Granted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	net := newFakeNetwork()
	n := newTestNode(t, 1, net)
	cfg := singleVoterConfiguration(1, n.r.addr)
	require.NoError(t, n.r.Bootstrap(cfg))

	n.r.mu.Lock()
	n.r.currentTerm = 5
	n.r.votedFor = 0
	n.r.mu.Unlock()

	lastIndex := n.r.log.LastIndex()
	lastTerm := n.r.log.LastTerm()

	first := n.r.HandleRequestVote(&RequestVoteRequest{CandidateID: 2, Term: 5, LastLogIndex: lastIndex, LastLogTerm: lastTerm})
	require.True(t, first.Granted)

	second := n.r.HandleRequestVote(&RequestVoteRequest{CandidateID: 3, Term: 5, LastLogIndex: lastIndex, LastLogTerm: lastTerm})
	require.False(t, second.Granted)
}
