package raft

import "github.com/mrshabel/gumraft/internal/log"

// Apply submits a new command to the replicated log, spec.md 4.G's "issuing
// user callbacks": cb fires exactly once, with the value FSM.Apply
// returned once the entry has committed and applied, or an error if it
// never will (not leader, leadership lost before commit, or shutting down).
// The not-leader and shutting-down rejections fire synchronously on the
// caller's goroutine.
func (r *Raft) Apply(command []byte, cb func(result any, err error)) {
	r.mu.Lock()
	if r.state != StateLeader {
		r.mu.Unlock()
		cb(nil, newError(KindNotLeader, "not the leader"))
		return
	}
	if r.closing {
		r.mu.Unlock()
		cb(nil, newError(KindShutdownInProgress, "shutting down"))
		return
	}
	term := r.currentTerm
	r.mu.Unlock()

	r.log.Append(log.Entry{Term: term, Type: log.EntryCommand, Payload: command}, func(idx uint64, err error) {
		r.onClientAppendComplete(term, idx, err, cb)
	})
}

func (r *Raft) onClientAppendComplete(term uint64, idx uint64, err error, cb func(any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		cb(nil, wrapError(KindIoError, "client append", err))
		return
	}
	if r.state != StateLeader || r.currentTerm != term {
		cb(nil, newError(KindLeadershipLost, "leadership lost before this entry committed"))
		return
	}
	if r.pendingApply == nil {
		r.pendingApply = make(map[uint64]func(any, error))
	}
	r.pendingApply[idx] = cb
	r.replicateToAllLocked()
	r.maybeAdvanceCommitLocked()
}

// failPendingApplyLocked resolves every outstanding Apply and
// ChangeConfiguration callback with LeadershipLost. Called from
// stepDownLocked: once a leader steps down it can no longer promise its
// uncommitted (or even committed-but-unconfirmed) entries will be the ones
// that end up applied.
func (r *Raft) failPendingApplyLocked() {
	if len(r.pendingApply) > 0 {
		pending := r.pendingApply
		r.pendingApply = nil
		for _, cb := range pending {
			cb(nil, newError(KindLeadershipLost, "leadership lost"))
		}
	}
	if r.pendingConfig != nil {
		cb := r.pendingConfig
		r.pendingConfig = nil
		cb(newError(KindLeadershipLost, "leadership lost"))
	}
}
