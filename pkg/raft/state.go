package raft

import "go.uber.org/zap"

// State is one of the four roles spec.md 3's lifecycle cycles through.
type State int

const (
	StateUnavailable State = iota
	StateFollower
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unavailable"
	}
}

// followerProgress is the leader's per-follower replication bookkeeping,
// spec.md 4.E.
type followerProgress struct {
	nextIndex  uint64
	matchIndex uint64
	recentSend bool
	state      replState
	// inFlight counts outstanding AppendEntries this follower hasn't
	// replied to yet; the send paths wait for it to return to 0, so it
	// does not exceed 1.
	inFlight int
}

type replState int

const (
	replProbe replState = iota
	replPipeline
	replSnapshot
)

// setState transitions the instance's role, firing the tracer hook and
// resetting whatever per-role bookkeeping the new role needs. Callers must
// hold r.mu.
func (r *Raft) setState(to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	r.tracer.OnStateChange(from, to)
	r.logger.Info("state transition", zap.String("from", from.String()), zap.String("to", to.String()))
}

// State returns the instance's current role. Safe for concurrent use; a
// read-only observability accessor for the status endpoint.
func (r *Raft) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LeaderID returns the server this instance currently believes leads the
// cluster, or 0 if unknown.
func (r *Raft) LeaderID() ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

// LeaderAddress resolves LeaderID against the current configuration, for
// callers (e.g. the status endpoint) that want something dialable rather
// than a bare id. Returns "" if no leader is known or it isn't in the
// current configuration.
func (r *Raft) LeaderAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderID == 0 || r.currentConfig == nil {
		return ""
	}
	srv, ok := r.currentConfig.Get(uint64(r.leaderID))
	if !ok {
		return ""
	}
	return srv.Address
}

// CurrentTerm returns the instance's current term.
func (r *Raft) CurrentTerm() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// CommitIndex returns the instance's current commit index.
func (r *Raft) CommitIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// stepDownLocked observes a higher term: clears leadership, reverts to
// follower, persists the new term with voted-for cleared, and resets the
// election timer. Callers must hold r.mu; log I/O itself is synchronous
// metadata-file-sized writes, same tradeoff internal/log.Log makes for
// SetTermAndVote.
func (r *Raft) stepDownLocked(term uint64) error {
	if err := r.log.SetTermAndVote(term, 0); err != nil {
		return err
	}
	r.currentTerm = term
	r.votedFor = 0
	r.leaderID = 0
	r.progress = nil
	r.votesReceived = nil
	r.failPendingApplyLocked()
	r.setState(StateFollower)
	r.resetElectionTimerLocked()
	return nil
}
