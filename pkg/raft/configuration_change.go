package raft

import (
	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
)

// ChangeConfiguration submits next as a new configuration log entry,
// spec.md 3's single-server-change protocol: joint configurations are
// avoided by linearizing every membership change through one committed
// entry at a time. Only legal on the leader, and only when no prior change
// is still uncommitted (KindConfigurationBusy otherwise).
func (r *Raft) ChangeConfiguration(next *configuration.Configuration, cb func(error)) {
	r.mu.Lock()
	if r.state != StateLeader {
		r.mu.Unlock()
		cb(newError(KindNotLeader, "not the leader"))
		return
	}
	if r.uncommittedConfigIndex != 0 {
		r.mu.Unlock()
		cb(newError(KindConfigurationBusy, "a configuration change is already uncommitted"))
		return
	}
	// spec.md 9 leaves open whether to additionally require the leader to
	// have committed an entry of its own term before accepting a change;
	// this implementation does, so a freshly-elected leader can't reshape
	// membership before its own authority for the term is confirmed.
	if !r.hasCommittedOwnTermEntryLocked() {
		r.mu.Unlock()
		cb(newError(KindConfigurationBusy, "leader has not committed an entry of its own term yet"))
		return
	}
	term := r.currentTerm
	r.mu.Unlock()

	encoded, err := configuration.Encode(next)
	if err != nil {
		cb(err)
		return
	}
	r.log.Append(log.Entry{Term: term, Type: log.EntryConfiguration, Payload: encoded}, func(idx uint64, err error) {
		r.onConfigurationAppendComplete(term, idx, next, err, cb)
	})
}

func (r *Raft) hasCommittedOwnTermEntryLocked() bool {
	if r.commitIndex == 0 {
		return false
	}
	e, err := r.log.Get(r.commitIndex)
	if err != nil {
		return false
	}
	return e.Term == r.currentTerm
}

func (r *Raft) onConfigurationAppendComplete(term uint64, idx uint64, next *configuration.Configuration, err error, cb func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		cb(wrapError(KindIoError, "configuration append", err))
		return
	}
	if r.state != StateLeader || r.currentTerm != term {
		cb(newError(KindLeadershipLost, "leadership lost before configuration committed"))
		return
	}
	r.uncommittedConfigIndex = idx
	r.currentConfig = next.Copy()
	r.pendingConfig = cb
	r.syncProgressLocked()
	r.replicateToAllLocked()
	r.maybeAdvanceCommitLocked()
}

// syncProgressLocked reconciles the leader's per-follower progress map with
// currentConfig after a configuration change: servers no longer present are
// dropped, newly-added ones start at next_index = last_index+1 just like a
// freshly-elected leader's becomeLeaderLocked seeds them.
func (r *Raft) syncProgressLocked() {
	if r.currentConfig == nil {
		return
	}
	want := make(map[ServerID]bool)
	for _, srv := range r.currentConfig.Servers() {
		if srv.ID == uint64(r.id) {
			continue
		}
		want[ServerID(srv.ID)] = true
		if _, ok := r.progress[ServerID(srv.ID)]; !ok {
			r.progress[ServerID(srv.ID)] = &followerProgress{nextIndex: r.log.LastIndex() + 1, state: replProbe}
		}
	}
	for id := range r.progress {
		if !want[id] {
			delete(r.progress, id)
		}
	}
}
