// Package raft implements the protocol engine of spec.md: terms, elections,
// log replication, commit index advancement, snapshot installation, and
// configuration changes. The segmented on-disk log lives in internal/log;
// this package drives it.
package raft

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mrshabel/gumraft/internal/configuration"
	"github.com/mrshabel/gumraft/internal/log"
	"github.com/mrshabel/gumraft/internal/workqueue"
	"go.uber.org/zap"
)

// Raft is one server instance. It owns the storage backend, drives the
// election/replication/apply/snapshot state machines, and talks to its
// peers through Transport. All protocol state is only ever touched while
// holding mu, and only from the owning workqueue.Loop thread - exactly the
// single-threaded cooperative model spec.md 5 requires.
type Raft struct {
	id   ServerID
	addr string
	cfg  Config

	log       *log.Log
	transport Transport
	fsm       FSM
	tracer    Tracer
	loop      *workqueue.Loop
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    ServerID
	leaderID    ServerID

	commitIndex uint64
	lastApplied uint64
	applying    bool

	currentConfig          *configuration.Configuration
	uncommittedConfigIndex uint64 // 0 means no uncommitted configuration entry

	votesReceived map[ServerID]bool
	progress      map[ServerID]*followerProgress

	// pendingApply holds the callback passed to Apply for each command
	// entry this leader has appended locally but not yet applied, keyed by
	// log index.
	pendingApply map[uint64]func(any, error)

	// pendingConfig holds the callback passed to ChangeConfiguration for
	// the one configuration entry that may be uncommitted at a time.
	pendingConfig func(error)

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	closing bool
	errMsg  string
}

// Options bundles the external collaborators New needs: everything spec.md
// 1 calls out of scope (transport, FSM, scheduler) plus the optional
// observability hook.
type Options struct {
	ID        ServerID
	Address   string
	Dir       string
	Config    Config
	Transport Transport
	FSM       FSM
	Tracer    Tracer
	Loop      *workqueue.Loop
	Logger    *zap.Logger
}

// New constructs an instance in StateUnavailable, loading whatever
// persisted log/metadata already exists under opts.Dir. It does not become
// usable until Bootstrap or Recover is called, mirroring raft_init's
// separation from raft_bootstrap/raft_recover in original_source/src/raft.c.
func New(opts Options) (*Raft, error) {
	if opts.ID == 0 {
		return nil, newError(KindBadServerID, "server id must be nonzero")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raft")

	loop := opts.Loop
	if loop == nil {
		loop = workqueue.NewLoop()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = NoopTracer{}
	}

	logCfg := log.Config{
		BlockSize:        opts.Config.WithDefaults().BlockSize,
		PoolTargetSize:   opts.Config.WithDefaults().SegmentTargetPoolSize,
		BlocksPerSegment: 256,
		MaxIndexEntries:  4096,
	}
	store, err := log.Open(opts.Dir, logCfg, loop, logger)
	if err != nil {
		return nil, err
	}

	r := &Raft{
		id:        opts.ID,
		addr:      opts.Address,
		cfg:       opts.Config.WithDefaults(),
		log:       store,
		transport: opts.Transport,
		fsm:       opts.FSM,
		tracer:    tracer,
		loop:      loop,
		logger:    logger,
		state:     StateUnavailable,
	}
	r.currentTerm = store.CurrentTerm()
	r.votedFor = ServerID(store.VotedFor())
	return r, nil
}

// Bootstrap initializes a brand-new cluster member: it appends the given
// configuration as the first log entry and transitions to follower.
// Legal only from StateUnavailable, same gating original_source/src/raft.c
// applies to raft_bootstrap.
func (r *Raft) Bootstrap(cfg *configuration.Configuration) error {
	r.mu.Lock()
	if r.state != StateUnavailable {
		r.mu.Unlock()
		return newError(KindBusy, "bootstrap is only legal from unavailable")
	}
	r.mu.Unlock()

	if r.log.LastIndex() != 0 {
		return newError(KindBusy, "cannot bootstrap a non-empty log")
	}

	encoded, err := configuration.Encode(cfg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	r.log.Append(log.Entry{Term: 1, Type: log.EntryConfiguration, Payload: encoded}, func(_ uint64, err error) {
		done <- err
	})
	// The append's completion reaches r.loop only after the log's segment
	// pool has a prepared segment to write into, which itself runs as an
	// async prepare posted to the same loop (internal/log/pool.go) - so a
	// single RunOnce can race ahead of it and find nothing queued yet.
	// Keep draining until the completion we're waiting for actually lands.
	var appendErr error
	waiting := true
	for waiting {
		select {
		case appendErr = <-done:
			waiting = false
		default:
			r.loop.RunOnce()
		}
	}
	if appendErr != nil {
		return wrapError(KindIoError, "bootstrap append", appendErr)
	}

	r.mu.Lock()
	r.currentConfig = cfg.Copy()
	r.setState(StateFollower)
	r.resetElectionTimerLocked()
	r.mu.Unlock()
	return nil
}

// Recover loads persisted state (log, term, voted-for, configuration) and
// becomes a follower without touching the log's contents, for restarting
// an existing member. Also only legal from StateUnavailable.
func (r *Raft) Recover() error {
	r.mu.Lock()
	if r.state != StateUnavailable {
		r.mu.Unlock()
		return newError(KindBusy, "recover is only legal from unavailable")
	}
	r.mu.Unlock()

	cfg, err := r.loadLatestConfiguration()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.currentConfig = cfg
	r.commitIndex = r.log.FirstIndex() - 1
	r.lastApplied = r.commitIndex
	r.setState(StateFollower)
	r.resetElectionTimerLocked()
	r.mu.Unlock()
	return nil
}

// loadLatestConfiguration scans the log backwards for the most recent
// configuration entry. A freshly-bootstrapped or still-empty log yields an
// empty configuration rather than an error.
func (r *Raft) loadLatestConfiguration() (*configuration.Configuration, error) {
	last := r.log.LastIndex()
	first := r.log.FirstIndex()
	for idx := last; idx >= first && idx > 0; idx-- {
		e, err := r.log.Get(idx)
		if err != nil {
			return nil, err
		}
		if e.Type == log.EntryConfiguration {
			cfg, err := configuration.Decode(e.Payload)
			if err != nil {
				return nil, wrapError(KindCorrupt, "decode configuration entry", err)
			}
			return cfg, nil
		}
	}
	return configuration.New(), nil
}

// Close performs the two-phase shutdown original_source/src/raft.c's
// raft_close/ioCloseCb pair describe: mark unavailable immediately so no
// further protocol operation is accepted, stop timers, then wait for the
// storage backend's own close (which itself waits on the segment pool) to
// resolve before firing cb. Idempotent: a second call's cb fires
// immediately with no further effect.
func (r *Raft) Close(cb func(error)) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		cb(nil)
		return
	}
	r.closing = true
	pending := r.pendingApply
	r.pendingApply = nil
	for _, pcb := range pending {
		pcb(nil, newError(KindShutdownInProgress, "shutting down"))
	}
	r.setState(StateUnavailable)
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	r.mu.Unlock()

	r.log.Close(cb)
}

// IsLogEmpty reports whether this instance's log has ever had an entry
// appended - the signal a caller uses to decide between Bootstrap (fresh
// member) and Recover (restarting an existing one).
func (r *Raft) IsLogEmpty() bool {
	return r.log.LastIndex() == 0
}

// Errmsg returns the latest fatal error message, preserved verbatim per
// spec.md 7 tier 3, or "" if the instance has not entered a fatal state.
func (r *Raft) Errmsg() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

func (r *Raft) failLocked(err error) {
	if r.errMsg == "" {
		r.errMsg = err.Error()
	}
	r.logger.Error("fatal error, instance becoming unavailable", zap.Error(err))
	r.setState(StateUnavailable)
}

// Run is the instance's single dispatch thread: it drains loop completions
// (timers, offloaded log/FSM work) and inbound RPCs from transport.Consumer
// off the same select, so both ever touch protocol state from one
// goroutine, until stop is closed. Callers that already run their own loop
// across several Raft instances sharing one workqueue.Loop can instead
// drive that loop themselves and never call this method - but then they
// must pump transport.Consumer() into dispatchRPC on their own.
func (r *Raft) Run(stop <-chan struct{}) {
	completions := r.loop.Completions()
	var inbound <-chan RPC
	if r.transport != nil {
		inbound = r.transport.Consumer()
	}
	for {
		select {
		case fn := <-completions:
			fn()
		case rpc, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			r.dispatchRPC(rpc)
		case <-stop:
			return
		}
	}
}

// dispatchRPC runs the Handle* method matching rpc.Command's concrete type
// and sends the result back on rpc.RespChan, per Transport's documented
// contract. An unrecognized command type is a transport bug, not a
// protocol error - it gets reported back rather than panicking the loop.
func (r *Raft) dispatchRPC(rpc RPC) {
	switch req := rpc.Command.(type) {
	case *RequestVoteRequest:
		rpc.Respond(r.HandleRequestVote(req), nil)
	case *AppendEntriesRequest:
		rpc.Respond(r.HandleAppendEntries(req), nil)
	case *InstallSnapshotRequest:
		rpc.Respond(r.HandleInstallSnapshot(req), nil)
	case *TimeoutNowRequest:
		rpc.Respond(r.HandleTimeoutNow(req), nil)
	default:
		rpc.Respond(nil, newError(KindIoError, "unrecognized rpc command type"))
	}
}

func randomElectionTimeout(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

// resetElectionTimerLocked reschedules the randomized election timeout
// (spec.md 4.D: uniform over [T, 2T)). Firing posts back onto the loop
// thread rather than acting on stale state from the timer goroutine,
// per spec.md 5's suspension-point discipline.
func (r *Raft) resetElectionTimerLocked() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}
	d := randomElectionTimeout(r.cfg.ElectionTimeout)
	term := r.currentTerm
	r.electionTimer = time.AfterFunc(d, func() {
		r.loop.Post(func() { r.onElectionTimeout(term) })
	})
}

// resetHeartbeatTimerLocked schedules the leader's next heartbeat tick.
func (r *Raft) resetHeartbeatTimerLocked() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}
	term := r.currentTerm
	r.heartbeatTimer = time.AfterFunc(r.cfg.HeartbeatTimeout, func() {
		r.loop.Post(func() { r.onHeartbeatTick(term) })
	})
}
