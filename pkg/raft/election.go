package raft

import (
	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
	"go.uber.org/zap"
)

// onElectionTimeout fires when the election timer set in
// resetElectionTimerLocked expires without having been reset. term is the
// term the timer was armed under; if the term has since moved on (e.g. a
// higher-term RPC arrived first), the firing is stale and ignored.
func (r *Raft) onElectionTimeout(term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.currentTerm != term {
		return
	}
	if r.state != StateFollower && r.state != StateCandidate {
		return
	}
	if !r.isVoterLocked(r.id) {
		// a stand-by/spare server never stands for election, but it still
		// needs the timer armed in case a later configuration change
		// promotes it.
		r.resetElectionTimerLocked()
		return
	}
	r.tracer.OnElectionTimeout()
	r.startElectionLocked()
}

// startElectionLocked implements the candidate transition (spec.md 4.D):
// increment current-term, vote for self, persist, then broadcast
// RequestVote to every other voter. Callers must hold r.mu.
func (r *Raft) startElectionLocked() {
	term := r.currentTerm + 1
	if err := r.log.SetTermAndVote(term, uint64(r.id)); err != nil {
		r.failLocked(err)
		return
	}
	r.currentTerm = term
	r.votedFor = r.id
	r.leaderID = 0
	r.setState(StateCandidate)
	r.votesReceived = map[ServerID]bool{r.id: true}
	r.resetElectionTimerLocked()

	lastIndex := r.log.LastIndex()
	lastTerm := r.log.LastTerm()
	req := &RequestVoteRequest{CandidateID: r.id, Term: term, LastLogIndex: lastIndex, LastLogTerm: lastTerm}

	cfg := r.currentConfig
	if cfg == nil {
		return
	}
	for _, srv := range cfg.Servers() {
		if srv.ID == uint64(r.id) || srv.Role != configuration.RoleVoter {
			continue
		}
		target := srv
		r.loop.Go(func() (any, error) {
			return r.transport.SendRequestVote(ServerID(target.ID), target.Address, req)
		}, func(res any, err error) {
			r.onRequestVoteResponse(term, ServerID(target.ID), res, err)
		})
	}
	// the self-vote alone is a majority when this server is the only voter.
	if r.hasWonElectionLocked() {
		r.becomeLeaderLocked()
	}
}

func (r *Raft) isVoterLocked(id ServerID) bool {
	if r.currentConfig == nil {
		return false
	}
	srv, ok := r.currentConfig.Get(uint64(id))
	return ok && srv.Role == configuration.RoleVoter
}

// onRequestVoteResponse processes one peer's reply to startElectionLocked's
// broadcast. A stale reply (wrong term, or we're no longer candidate in
// that term) is discarded.
func (r *Raft) onRequestVoteResponse(term uint64, from ServerID, res any, sendErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sendErr != nil {
		r.logger.Debug("request vote send failed", zap.Uint64("peer", uint64(from)), zap.Error(sendErr))
		return
	}
	resp, ok := res.(*RequestVoteResponse)
	if !ok || resp == nil {
		return
	}
	if resp.Term > r.currentTerm {
		if err := r.stepDownLocked(resp.Term); err != nil {
			r.failLocked(err)
		}
		return
	}
	if r.state != StateCandidate || r.currentTerm != term {
		return
	}
	if !resp.Granted {
		return
	}
	r.tracer.OnVoteGranted(from, term)
	r.votesReceived[from] = true

	if r.hasWonElectionLocked() {
		r.becomeLeaderLocked()
	}
}

// hasWonElectionLocked implements the win condition: a strict majority of
// voters (including the candidate's own self-vote) in the candidate's term.
func (r *Raft) hasWonElectionLocked() bool {
	if r.currentConfig == nil {
		return false
	}
	granted := 0
	for _, srv := range r.currentConfig.Servers() {
		if srv.Role != configuration.RoleVoter {
			continue
		}
		if r.votesReceived[ServerID(srv.ID)] {
			granted++
		}
	}
	need := r.currentConfig.NVoting()/2 + 1
	return granted >= need
}

// becomeLeaderLocked implements spec.md 4.F's "upon becoming leader"
// transition: append a barrier entry in the new term (so commit-index can
// progress even on an idle cluster) and initialize per-follower
// replication state.
func (r *Raft) becomeLeaderLocked() {
	r.setState(StateLeader)
	r.leaderID = r.id
	r.votesReceived = nil

	lastIndex := r.log.LastIndex()
	r.progress = make(map[ServerID]*followerProgress)
	if r.currentConfig != nil {
		for _, srv := range r.currentConfig.Servers() {
			if srv.ID == uint64(r.id) {
				continue
			}
			r.progress[ServerID(srv.ID)] = &followerProgress{nextIndex: lastIndex + 1, matchIndex: 0, state: replProbe}
		}
	}

	term := r.currentTerm
	r.log.Append(log.Entry{Term: term, Type: log.EntryBarrier}, func(idx uint64, err error) {
		// Append can complete synchronously while r.mu is still held here.
		r.loop.Post(func() { r.onOwnAppendComplete(term, idx, err) })
	})
	r.resetHeartbeatTimerLocked()
}

// onOwnAppendComplete handles the completion of a leader's own local
// append (barrier, command, or configuration entry): on success it kicks
// off replication to followers immediately rather than waiting for the
// next heartbeat tick; on failure the leader steps down, since durability
// of its own log has been promised to followers (spec.md 7 tier 2).
func (r *Raft) onOwnAppendComplete(term uint64, idx uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.state != StateLeader || r.currentTerm != term {
		return
	}
	if err != nil {
		r.logger.Error("local append failed, stepping down", zap.Error(err))
		if serr := r.stepDownLocked(term); serr != nil {
			r.failLocked(serr)
		}
		return
	}
	r.replicateToAllLocked()
	r.maybeAdvanceCommitLocked()
	_ = idx
}

// HandleRequestVote implements the receiver-side vote-grant predicate
// (spec.md 4.D): grant iff the candidate's term is at least ours, we
// haven't voted for someone else this term, and the candidate's log is at
// least as up-to-date as ours.
func (r *Raft) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Term > r.currentTerm && !req.PreVote {
		if err := r.stepDownLocked(req.Term); err != nil {
			r.failLocked(err)
			return &RequestVoteResponse{VoterID: r.id, Term: r.currentTerm, Granted: false}
		}
	}

	resp := &RequestVoteResponse{VoterID: r.id, Term: r.currentTerm}
	if req.Term < r.currentTerm {
		resp.Granted = false
		return resp
	}
	if r.votedFor != 0 && r.votedFor != req.CandidateID {
		resp.Granted = false
		return resp
	}
	lastTerm := r.log.LastTerm()
	lastIndex := r.log.LastIndex()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		resp.Granted = false
		return resp
	}

	if !req.PreVote {
		r.votedFor = req.CandidateID
		if err := r.log.SetTermAndVote(r.currentTerm, uint64(req.CandidateID)); err != nil {
			r.failLocked(err)
			resp.Granted = false
			return resp
		}
		r.resetElectionTimerLocked()
	}
	resp.Granted = true
	return resp
}
