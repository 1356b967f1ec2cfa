package raft

import (
	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
	"go.uber.org/zap"
)

// onHeartbeatTick fires on the leader's heartbeat timer: every follower
// with no AppendEntries currently in flight gets an empty one (spec.md
// 4.E). term is the term the timer was armed under; a stale firing after a
// step-down is ignored.
func (r *Raft) onHeartbeatTick(term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.state != StateLeader || r.currentTerm != term {
		return
	}
	for id, prog := range r.progress {
		if prog.inFlight == 0 {
			r.sendAppendEntriesToLocked(id, prog)
		}
	}
	r.resetHeartbeatTimerLocked()
}

// replicateToAllLocked dispatches a round of AppendEntries to every
// follower not already at its replication cap, used right after a local
// append so new entries go out immediately rather than waiting for the
// next heartbeat.
func (r *Raft) replicateToAllLocked() {
	for id, prog := range r.progress {
		if prog.state == replPipeline && prog.inFlight > 0 {
			continue // already has an outstanding batch; next reply re-triggers
		}
		if prog.state == replProbe && prog.inFlight > 0 {
			continue // probe: wait for the single outstanding reply
		}
		r.sendAppendEntriesToLocked(id, prog)
	}
}

const maxBatchEntries = 64

// sendAppendEntriesToLocked builds and dispatches one AppendEntries to a
// follower per its current send rule: probe sends at most one entry and
// waits; pipeline sends up to maxBatchEntries and advances next_index as
// the batch is dispatched. Pipeline does not keep several requests
// outstanding: replicateToAllLocked and the heartbeat skip a follower with
// one in flight, and the next batch goes out when its reply arrives. A
// follower whose
// next_index has fallen below our first_index is switched to snapshot
// replication instead (spec.md 4.E).
func (r *Raft) sendAppendEntriesToLocked(id ServerID, prog *followerProgress) {
	srv, ok := r.currentConfig.Get(uint64(id))
	if !ok {
		return
	}

	if prog.nextIndex < r.log.FirstIndex() {
		prog.state = replSnapshot
		r.sendInstallSnapshotToLocked(id, srv.Address)
		return
	}
	prevIndex := prog.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		if e, err := r.log.Get(prevIndex); err == nil {
			prevTerm = e.Term
		}
	}

	limit := 1
	if prog.state == replPipeline && prog.inFlight == 0 {
		limit = maxBatchEntries
	}

	var entries []RPCEntry
	last := r.log.LastIndex()
	for idx := prog.nextIndex; idx <= last && len(entries) < limit; idx++ {
		e, err := r.log.Get(idx)
		if err != nil {
			break
		}
		entries = append(entries, RPCEntry{Term: e.Term, Type: uint8(e.Type), Payload: e.Payload})
	}

	term := r.currentTerm
	req := &AppendEntriesRequest{
		LeaderID:     r.id,
		Term:         term,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	lastSent := prevIndex + uint64(len(entries))

	prog.recentSend = true
	prog.inFlight++
	if len(entries) > 1 || prog.state == replPipeline {
		prog.nextIndex = lastSent + 1
	}

	r.loop.Go(func() (any, error) {
		return r.transport.SendAppendEntries(id, srv.Address, req)
	}, func(res any, err error) {
		r.onAppendEntriesResponse(term, id, lastSent, res, err)
	})
}

// onAppendEntriesResponse applies spec.md 4.E's reply handling rules.
func (r *Raft) onAppendEntriesResponse(term uint64, from ServerID, lastSent uint64, res any, sendErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prog, ok := r.progress[from]
	if !ok || r.state != StateLeader || r.currentTerm != term {
		return
	}
	prog.inFlight--
	if prog.inFlight < 0 {
		prog.inFlight = 0
	}

	if sendErr != nil {
		r.logger.Debug("append entries send failed", zap.Uint64("peer", uint64(from)), zap.Error(sendErr))
		return
	}
	resp, okT := res.(*AppendEntriesResponse)
	if !okT || resp == nil {
		return
	}

	if resp.Term > r.currentTerm {
		if err := r.stepDownLocked(resp.Term); err != nil {
			r.failLocked(err)
		}
		return
	}

	if resp.Success {
		if lastSent > prog.matchIndex {
			prog.matchIndex = lastSent
		}
		prog.nextIndex = prog.matchIndex + 1
		if prog.state == replProbe {
			prog.state = replPipeline
		}
		r.maybeAdvanceCommitLocked()
		if prog.nextIndex <= r.log.LastIndex() {
			r.sendAppendEntriesToLocked(from, prog)
		}
		return
	}

	// log mismatch: back off, by conflict hint if the follower gave one,
	// else by one step, and fall back to probe.
	prog.state = replProbe
	if resp.ConflictIndex > 0 {
		prog.nextIndex = resp.ConflictIndex
	} else if prog.nextIndex > 1 {
		prog.nextIndex--
	}
	if prog.nextIndex < r.log.FirstIndex() {
		prog.state = replSnapshot
		if srv, ok := r.currentConfig.Get(uint64(from)); ok {
			r.sendInstallSnapshotToLocked(from, srv.Address)
		}
		return
	}
	r.sendAppendEntriesToLocked(from, prog)
}

// maybeAdvanceCommitLocked implements spec.md 4.E's commit rule: the
// highest N such that a majority of voters have match_index >= N and the
// entry at N was appended in the leader's current term.
func (r *Raft) maybeAdvanceCommitLocked() {
	if r.currentConfig == nil {
		return
	}
	nVoters := r.currentConfig.NVoting()
	if nVoters == 0 {
		return
	}
	need := nVoters/2 + 1

	last := r.log.LastIndex()
	for n := last; n > r.commitIndex; n-- {
		e, err := r.log.Get(n)
		if err != nil || e.Term != r.currentTerm {
			continue
		}
		count := 0
		for _, srv := range r.currentConfig.Servers() {
			if srv.Role != configuration.RoleVoter {
				continue
			}
			if srv.ID == uint64(r.id) {
				count++
				continue
			}
			if prog, ok := r.progress[ServerID(srv.ID)]; ok && prog.matchIndex >= n {
				count++
			}
		}
		if count >= need {
			r.commitIndex = n
			r.tracer.OnCommitAdvance(n)
			r.kickApplyLocked()
			return
		}
	}
}

// HandleAppendEntries is the receiver side of replication: log-matching
// check against prev-log-index/term, conflict resolution via
// truncate_suffix, appending new entries, and advancing commit-index to
// min(leader-commit, our new last-index).
func (r *Raft) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	r.mu.Lock()

	resp := &AppendEntriesResponse{ResponderID: r.id}
	if req.Term < r.currentTerm {
		resp.Term = r.currentTerm
		resp.Success = false
		r.mu.Unlock()
		return resp
	}
	if req.Term > r.currentTerm {
		if err := r.stepDownLocked(req.Term); err != nil {
			r.failLocked(err)
			r.mu.Unlock()
			resp.Term = r.currentTerm
			return resp
		}
	} else if r.state == StateCandidate {
		r.setState(StateFollower)
	}
	r.leaderID = req.LeaderID
	r.resetElectionTimerLocked()
	resp.Term = r.currentTerm

	if req.PrevLogIndex > 0 && !r.log.Matches(req.PrevLogIndex, req.PrevLogTerm) {
		resp.Success = false
		resp.ConflictIndex, resp.ConflictTerm = r.findConflictLocked(req.PrevLogIndex)
		r.mu.Unlock()
		return resp
	}

	reqTerm := req.Term
	next := req.PrevLogIndex + 1
	for i, re := range req.Entries {
		idx := next + uint64(i)
		if existing, err := r.log.Get(idx); err == nil {
			if existing.Term == re.Term {
				continue
			}
			if err := r.log.TruncateSuffix(idx); err != nil {
				r.failLocked(err)
				r.mu.Unlock()
				resp.Success = false
				return resp
			}
		}
		done := make(chan error, 1)
		r.log.Append(log.Entry{Term: re.Term, Type: log.EntryType(re.Type), Payload: re.Payload}, func(_ uint64, err error) {
			done <- err
		})
		// The append may resolve asynchronously (fresh segment
		// acquisition). r.loop is the same loop every timer and RPC-response
		// completion runs on, and those completions lock r.mu themselves, so
		// this handler must not hold r.mu while draining it - release it for
		// the wait and reacquire once our own append has landed, the same
		// way the loop thread itself only ever holds the lock for one
		// completion at a time.
		r.mu.Unlock()
		for {
			select {
			case err := <-done:
				r.mu.Lock()
				if err != nil {
					r.failLocked(err)
					r.mu.Unlock()
					resp.Success = false
					return resp
				}
			default:
				r.loop.RunOnce()
				continue
			}
			break
		}
		// Something else (a higher-term AppendEntries/RequestVote, a
		// stepdown) may have run while r.mu was released. If our term is no
		// longer current this append is stale; report failure with whatever
		// term is now current instead of pretending we're still consistent.
		if r.currentTerm != reqTerm {
			resp.Term = r.currentTerm
			resp.Success = false
			r.mu.Unlock()
			return resp
		}
	}

	if req.LeaderCommit > r.commitIndex {
		newCommit := req.LeaderCommit
		if last := r.log.LastIndex(); last < newCommit {
			newCommit = last
		}
		if newCommit > r.commitIndex {
			r.commitIndex = newCommit
			r.tracer.OnCommitAdvance(newCommit)
			r.kickApplyLocked()
		}
	}

	resp.Success = true
	r.mu.Unlock()
	return resp
}

// findConflictLocked looks backwards from prevIndex for a usable
// conflict-term/index hint, letting the leader skip back more than one
// entry per round trip.
func (r *Raft) findConflictLocked(prevIndex uint64) (index, term uint64) {
	last := r.log.LastIndex()
	if prevIndex > last {
		return last + 1, 0
	}
	e, err := r.log.Get(prevIndex)
	if err != nil {
		return prevIndex, 0
	}
	conflictTerm := e.Term
	idx := prevIndex
	for idx > r.log.FirstIndex() {
		prior, err := r.log.Get(idx - 1)
		if err != nil || prior.Term != conflictTerm {
			break
		}
		idx--
	}
	return idx, conflictTerm
}

// HandleTimeoutNow forces an immediate election, used for leadership
// transfer (SPEC_FULL.md 5 supplements spec.md 6's bare RPC name with this
// receive-side effect).
func (r *Raft) HandleTimeoutNow(req *TimeoutNowRequest) *TimeoutNowResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Term >= r.currentTerm && r.isVoterLocked(r.id) {
		r.startElectionLocked()
	}
	return &TimeoutNowResponse{ResponderID: r.id, Term: r.currentTerm}
}
