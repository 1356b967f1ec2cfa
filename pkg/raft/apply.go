package raft

import (
	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
)

// kickApplyLocked starts the apply loop if it isn't already running.
// Entries are applied one at a time, in log order: the next entry is not
// dispatched until the previous one's FSM.Apply has completed. The FSM call
// itself is offloaded to a worker, and other protocol steps (RPC handling,
// replies, timers) keep running on the loop while it is outstanding.
func (r *Raft) kickApplyLocked() {
	if r.applying {
		return
	}
	if r.lastApplied >= r.commitIndex {
		return
	}
	r.applying = true
	r.applyNextLocked()
}

// applyNextLocked fetches the entry at lastApplied+1 and dispatches it per
// spec.md 4.G: command entries go to the FSM (offloaded to a worker,
// completion re-entering on the loop), configuration entries retire any
// uncommitted marker synchronously, and barrier entries simply advance.
func (r *Raft) applyNextLocked() {
	idx := r.lastApplied + 1
	e, err := r.log.Get(idx)
	if err != nil {
		r.failLocked(err)
		r.applying = false
		return
	}

	switch e.Type {
	case log.EntryBarrier:
		r.lastApplied = idx
		r.tracer.OnApply(idx)
		r.continueOrStopApplyLocked()

	case log.EntryConfiguration:
		// spec.md 4.F: "install the configuration as committed" - this is
		// also the only point a follower that only ever learns of a
		// configuration through replication (never through Bootstrap or
		// ChangeConfiguration locally) picks it up.
		if cfg, err := configuration.Decode(e.Payload); err == nil {
			r.currentConfig = cfg
			if r.state == StateLeader {
				r.syncProgressLocked()
			}
		}
		if idx == r.uncommittedConfigIndex {
			r.uncommittedConfigIndex = 0
			if r.pendingConfig != nil {
				cb := r.pendingConfig
				r.pendingConfig = nil
				cb(nil)
			}
		}
		r.lastApplied = idx
		r.tracer.OnApply(idx)
		r.continueOrStopApplyLocked()

	case log.EntryCommand:
		term := r.currentTerm
		payload := e.Payload
		r.loop.Go(func() (any, error) {
			return r.fsm.Apply(idx, e.Term, payload), nil
		}, func(res any, err error) {
			r.onApplyComplete(term, idx, res, err)
		})

	default:
		r.lastApplied = idx
		r.continueOrStopApplyLocked()
	}
}

func (r *Raft) onApplyComplete(term uint64, idx uint64, result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		r.applying = false
		return
	}
	if err != nil {
		if cb, ok := r.pendingApply[idx]; ok {
			delete(r.pendingApply, idx)
			cb(nil, err)
		}
		r.failLocked(err)
		r.applying = false
		return
	}
	r.lastApplied = idx
	r.tracer.OnApply(idx)
	if cb, ok := r.pendingApply[idx]; ok {
		delete(r.pendingApply, idx)
		cb(result, nil)
	}
	r.continueOrStopApplyLocked()
	_ = term
}

func (r *Raft) continueOrStopApplyLocked() {
	if r.lastApplied < r.commitIndex {
		r.applyNextLocked()
		return
	}
	r.applying = false
	r.maybeTriggerSnapshotLocked()
}
