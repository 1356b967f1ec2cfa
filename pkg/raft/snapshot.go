package raft

import (
	"bytes"
	"io"

	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
	"go.uber.org/zap"
)

// maybeTriggerSnapshotLocked implements spec.md 4.H's trigger: once the
// log has grown by snapshot-threshold entries since first_index, take a
// snapshot. Runs after every apply-loop drain, on leader and follower
// alike, per spec.md's "the leader or any follower".
func (r *Raft) maybeTriggerSnapshotLocked() {
	if r.fsm == nil || r.closing {
		return
	}
	first := r.log.FirstIndex()
	if r.lastApplied < first || r.lastApplied-first+1 < r.cfg.SnapshotThreshold {
		return
	}
	r.takeSnapshotLocked()
}

// takeSnapshotLocked requests the FSM's snapshot-producing operation on a
// worker, then writes it atomically and truncates the log's prefix,
// keeping snapshot-trailing entries so a slow follower isn't forced into
// InstallSnapshot the instant this completes (spec.md 4.H).
func (r *Raft) takeSnapshotLocked() {
	lastIncluded := r.lastApplied
	lastIncludedTerm := uint64(0)
	if e, err := r.log.Get(lastIncluded); err == nil {
		lastIncludedTerm = e.Term
	}
	cfg := r.currentConfig
	if cfg == nil {
		return
	}
	cfgData, err := configuration.Encode(cfg)
	if err != nil {
		r.failLocked(err)
		return
	}

	r.loop.Go(func() (any, error) {
		return r.fsm.Snapshot()
	}, func(res any, err error) {
		r.onSnapshotProduced(lastIncluded, lastIncludedTerm, cfgData, res, err)
	})
}

func (r *Raft) onSnapshotProduced(lastIncluded, lastIncludedTerm uint64, cfgData []byte, res any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	if err != nil {
		r.logger.Error("fsm snapshot failed", zap.Error(err))
		return
	}
	data, _ := res.([]byte)

	meta := log.SnapshotMeta{
		LastIncludedIndex: lastIncluded,
		LastIncludedTerm:  lastIncludedTerm,
		ConfigurationData: cfgData,
	}
	if _, err := log.WriteSnapshot(r.log.SnapshotDir(), meta, data); err != nil {
		r.logger.Error("writing snapshot failed", zap.Error(err))
		return
	}
	r.tracer.OnSnapshotTaken(lastIncluded)

	trailing := r.cfg.SnapshotTrailing
	upTo := uint64(0)
	if lastIncluded > trailing {
		upTo = lastIncluded - trailing
	}
	if err := r.log.TruncatePrefix(upTo); err != nil {
		r.logger.Error("post-snapshot truncate_prefix failed", zap.Error(err))
	}
}

// sendInstallSnapshotToLocked streams the newest on-disk snapshot to a
// follower whose next_index has fallen below our first_index.
func (r *Raft) sendInstallSnapshotToLocked(id ServerID, addr string) {
	base, ok, err := log.LatestSnapshot(r.log.SnapshotDir())
	if err != nil || !ok {
		return
	}
	meta, data, err := log.ReadSnapshot(r.log.SnapshotDir(), base)
	if err != nil {
		r.logger.Error("reading snapshot to install failed", zap.Error(err))
		return
	}

	term := r.currentTerm
	req := &InstallSnapshotRequest{
		LeaderID:          r.id,
		Term:              term,
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		ConfigurationData: meta.ConfigurationData,
		Data:              bytes.NewReader(data),
	}
	r.loop.Go(func() (any, error) {
		return r.transport.SendInstallSnapshot(id, addr, req)
	}, func(res any, err error) {
		r.onInstallSnapshotResponse(term, id, meta.LastIncludedIndex, res, err)
	})
}

func (r *Raft) onInstallSnapshotResponse(term uint64, from ServerID, lastIncluded uint64, res any, sendErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prog, ok := r.progress[from]
	if !ok || r.state != StateLeader || r.currentTerm != term {
		return
	}
	if sendErr != nil {
		return
	}
	resp, okT := res.(*InstallSnapshotResponse)
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
		prog.matchIndex = lastIncluded
		prog.nextIndex = lastIncluded + 1
		prog.state = replProbe
		if prog.nextIndex <= r.log.LastIndex() {
			r.sendAppendEntriesToLocked(from, prog)
		}
	}
}

// HandleInstallSnapshot is the receiver side (spec.md 4.H "Receive"): write
// the snapshot atomically, restore the FSM from it, discard or truncate
// the local log, and set commit_index = last_applied = last_included_index.
func (r *Raft) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	r.mu.Lock()

	resp := &InstallSnapshotResponse{ResponderID: r.id}
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
	}
	r.leaderID = req.LeaderID
	r.resetElectionTimerLocked()
	resp.Term = r.currentTerm
	r.mu.Unlock()

	data, err := io.ReadAll(req.Data)
	if err != nil {
		return resp
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	meta := log.SnapshotMeta{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		ConfigurationData: req.ConfigurationData,
	}
	if _, err := log.WriteSnapshot(r.log.SnapshotDir(), meta, data); err != nil {
		r.failLocked(err)
		return resp
	}
	if err := r.fsm.Restore(data); err != nil {
		r.failLocked(err)
		return resp
	}
	cfg, err := configuration.Decode(req.ConfigurationData)
	if err != nil {
		r.failLocked(err)
		return resp
	}
	r.currentConfig = cfg

	if r.log.LastIndex() <= req.LastIncludedIndex {
		if err := r.log.TruncateSuffix(r.log.FirstIndex()); err != nil {
			r.failLocked(err)
			return resp
		}
	}
	if err := r.log.TruncatePrefix(req.LastIncludedIndex); err != nil {
		r.failLocked(err)
		return resp
	}
	r.commitIndex = req.LastIncludedIndex
	r.lastApplied = req.LastIncludedIndex

	resp.Success = true
	return resp
}
