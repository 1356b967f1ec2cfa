package raft

import "io"

// ServerID is a nonzero 64-bit server identity (spec.md 3).
type ServerID uint64

// RequestVoteRequest is the candidate's solicitation, spec.md 4.D.
type RequestVoteRequest struct {
	CandidateID  ServerID
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
	// PreVote marks a non-binding pre-vote round (spec.md 4.D): granting
	// one never advances the receiver's term or voted-for.
	PreVote bool
}

type RequestVoteResponse struct {
	VoterID ServerID
	Term    uint64
	Granted bool
}

// AppendEntriesRequest carries a batch of log entries (or none, as a
// heartbeat) from the leader to one follower.
type AppendEntriesRequest struct {
	LeaderID     ServerID
	Term         uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []RPCEntry
	LeaderCommit uint64
}

// RPCEntry is the wire shape of a log entry as carried by AppendEntries -
// the transport collaborator is responsible for actually serializing this,
// per spec.md 6.
type RPCEntry struct {
	Term    uint64
	Type    uint8
	Payload []byte
}

type AppendEntriesResponse struct {
	ResponderID ServerID
	Term        uint64
	Success     bool
	// ConflictIndex/ConflictTerm let the leader skip back further than
	// one entry per round trip on a log mismatch (spec.md 4.E).
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest streams a snapshot to a follower lagging behind
// the leader's compacted log (spec.md 4.E replication state "snapshot").
type InstallSnapshotRequest struct {
	LeaderID          ServerID
	Term              uint64
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	ConfigurationData []byte
	// Data is the opaque FSM snapshot payload; the transport collaborator
	// may stream this rather than buffer it fully, hence io.Reader.
	Data io.Reader
}

type InstallSnapshotResponse struct {
	ResponderID ServerID
	Term        uint64
	Success     bool
}

// TimeoutNowRequest asks a follower to begin an election immediately,
// without waiting out its randomized timeout - used for leadership
// transfer (spec.md 6 names the RPC; SPEC_FULL.md 5 spells out receipt).
type TimeoutNowRequest struct {
	LeaderID ServerID
	Term     uint64
}

type TimeoutNowResponse struct {
	ResponderID ServerID
	Term        uint64
}

// Transport is the out-of-scope messenger collaborator (spec.md 1):
// everything the protocol engine needs to send RPCs to a peer and receive
// ones addressed to itself. Wire encoding is the transport's concern, not
// this package's.
type Transport interface {
	LocalAddr() string

	// Consumer delivers inbound RPCs; the caller must send exactly one
	// response on RPC.RespChan before the handler returns.
	Consumer() <-chan RPC

	SendRequestVote(id ServerID, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(id ServerID, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendInstallSnapshot(id ServerID, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	SendTimeoutNow(id ServerID, addr string, req *TimeoutNowRequest) (*TimeoutNowResponse, error)
}

// RPC is one inbound message and the channel its response is due on.
type RPC struct {
	Command  any
	RespChan chan<- RPCResponse
}

type RPCResponse struct {
	Response any
	Error    error
}

// Respond is a convenience for transport implementations delivering work
// to Consumer().
func (r RPC) Respond(resp any, err error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err}
}
