package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
	"github.com/mrshabel/gumraft/internal/workqueue"
	"github.com/stretchr/testify/require"
)

func latestSnapshotForTest(t *testing.T, n *testClusterNode) (string, bool, error) {
	t.Helper()
	return log.LatestSnapshot(n.r.log.SnapshotDir())
}

// fakeFSM is a minimal replicated state machine: applied commands are
// appended, in order, to a slice. Snapshot/Restore round-trip that slice as
// a byte blob of records, each a one-byte length followed by the command,
// which is all a test needs from an "opaque" FSM payload.
type fakeFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *fakeFSM) Apply(index, term uint64, command []byte) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), command...)
	f.applied = append(f.applied, cp)
	return len(f.applied)
}

func (f *fakeFSM) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, c := range f.applied {
		out = append(out, byte(len(c)))
		out = append(out, c...)
	}
	return out, nil
}

func (f *fakeFSM) Restore(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = nil
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		f.applied = append(f.applied, append([]byte(nil), data[i:i+n]...))
		i += n
	}
	return nil
}

func (f *fakeFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeTransport wires every registered peer's RPC handlers together
// directly, in place of wire serialization: spec.md 1 treats the transport
// as an out-of-scope collaborator, so tests stand in the simplest one that
// satisfies the interface.
type fakeTransport struct {
	id    ServerID
	addr  string
	peers *sync.Map // ServerID -> *Raft
}

func newFakeNetwork() *sync.Map {
	return &sync.Map{}
}

func newFakeTransport(id ServerID, addr string, peers *sync.Map) *fakeTransport {
	return &fakeTransport{id: id, addr: addr, peers: peers}
}

func (t *fakeTransport) LocalAddr() string          { return t.addr }
func (t *fakeTransport) Consumer() <-chan RPC       { return nil }
func (t *fakeTransport) peer(id ServerID) (*Raft, bool) {
	v, ok := t.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Raft), true
}

func (t *fakeTransport) SendRequestVote(id ServerID, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	p, ok := t.peer(id)
	if !ok {
		return nil, newError(KindIoError, "no such peer")
	}
	return p.HandleRequestVote(req), nil
}

func (t *fakeTransport) SendAppendEntries(id ServerID, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	p, ok := t.peer(id)
	if !ok {
		return nil, newError(KindIoError, "no such peer")
	}
	return p.HandleAppendEntries(req), nil
}

func (t *fakeTransport) SendInstallSnapshot(id ServerID, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	p, ok := t.peer(id)
	if !ok {
		return nil, newError(KindIoError, "no such peer")
	}
	return p.HandleInstallSnapshot(req), nil
}

func (t *fakeTransport) SendTimeoutNow(id ServerID, addr string, req *TimeoutNowRequest) (*TimeoutNowResponse, error) {
	p, ok := t.peer(id)
	if !ok {
		return nil, newError(KindIoError, "no such peer")
	}
	return p.HandleTimeoutNow(req), nil
}

// testClusterNode bundles one Raft instance with the loop-pumping handle
// tests need to drive it without a real goroutine scheduler.
type testClusterNode struct {
	r    *Raft
	loop *workqueue.Loop
	fsm  *fakeFSM
	dir  string
}

func fastConfig() Config {
	return Config{
		ElectionTimeout:       15 * time.Millisecond,
		HeartbeatTimeout:      4 * time.Millisecond,
		SnapshotThreshold:     1 << 30, // effectively disabled unless a test overrides it
		SnapshotTrailing:      0,
		SegmentTargetPoolSize: 2,
		BlockSize:             512,
	}
}

func newTestNode(t *testing.T, id ServerID, net *sync.Map) *testClusterNode {
	t.Helper()
	loop := workqueue.NewLoop()
	fsm := &fakeFSM{}
	transport := newFakeTransport(id, addrFor(id), net)
	dir := t.TempDir()

	r, err := New(Options{
		ID:        id,
		Address:   addrFor(id),
		Dir:       dir,
		Config:    fastConfig(),
		Transport: transport,
		FSM:       fsm,
		Loop:      loop,
	})
	require.NoError(t, err)
	net.Store(id, r)
	return &testClusterNode{r: r, loop: loop, fsm: fsm, dir: dir}
}

func addrFor(id ServerID) string {
	return "node-" + string(rune('0'+int(id)))
}

// pumpUntil repeatedly drains every node's loop until cond returns true or
// the timeout elapses, standing in for the real goroutine-driven event loop
// these nodes would otherwise run under Run.
func pumpUntil(t *testing.T, nodes []*testClusterNode, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			n.loop.RunOnce()
		}
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func singleVoterConfiguration(id ServerID, addr string) *configuration.Configuration {
	cfg := configuration.New()
	_ = cfg.Add(uint64(id), addr, configuration.RoleVoter)
	return cfg
}

func threeVoterConfiguration(nodes []*testClusterNode) *configuration.Configuration {
	cfg := configuration.New()
	for _, n := range nodes {
		_ = cfg.Add(uint64(n.r.id), n.r.addr, configuration.RoleVoter)
	}
	return cfg
}
