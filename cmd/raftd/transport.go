package main

import (
	"github.com/mrshabel/gumraft/pkg/raft"
)

// loopbackTransport is a placeholder Transport for a single-voter
// deployment: there are no peers to dial, so every Send call fails with
// IoError, same as dialing an address nothing is listening on would. A
// real deployment links in a networked Transport (gRPC, HTTP/2, raw TCP)
// in its place - spec.md 1 treats the transport as an external
// collaborator this package never implements for real.
type loopbackTransport struct {
	addr string
}

func newLoopbackTransport(addr string) *loopbackTransport {
	return &loopbackTransport{addr: addr}
}

func (t *loopbackTransport) LocalAddr() string { return t.addr }

// Consumer returns nil: there's no listener accepting inbound RPCs for a
// single-voter loopback node, and a nil channel simply never fires in
// Raft.Run's select, the same as any other peer with nothing to deliver.
func (t *loopbackTransport) Consumer() <-chan raft.RPC { return nil }

func (t *loopbackTransport) SendRequestVote(id raft.ServerID, addr string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	return nil, errNoPeer(id)
}

func (t *loopbackTransport) SendAppendEntries(id raft.ServerID, addr string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return nil, errNoPeer(id)
}

func (t *loopbackTransport) SendInstallSnapshot(id raft.ServerID, addr string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	return nil, errNoPeer(id)
}

func (t *loopbackTransport) SendTimeoutNow(id raft.ServerID, addr string, req *raft.TimeoutNowRequest) (*raft.TimeoutNowResponse, error) {
	return nil, errNoPeer(id)
}

func errNoPeer(id raft.ServerID) error {
	return &raft.Error{Kind: raft.KindIoError, Message: "no transport configured to reach peer"}
}
