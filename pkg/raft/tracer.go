package raft

// Tracer is an optional, zero-cost-by-default observation hook: a capability
// passed at construction so tests and operators can watch protocol events
// without the protocol code itself depending on any particular sink.
// NoopTracer satisfies it with no-ops, the default when none is supplied.
type Tracer interface {
	OnStateChange(from, to State)
	OnElectionTimeout()
	OnVoteGranted(candidate ServerID, term uint64)
	OnCommitAdvance(index uint64)
	OnSnapshotTaken(index uint64)
	OnApply(index uint64)
}

// NoopTracer discards every event. It's the zero value of Tracer use.
type NoopTracer struct{}

func (NoopTracer) OnStateChange(State, State)            {}
func (NoopTracer) OnElectionTimeout()                    {}
func (NoopTracer) OnVoteGranted(ServerID, uint64)         {}
func (NoopTracer) OnCommitAdvance(uint64)                 {}
func (NoopTracer) OnSnapshotTaken(uint64)                 {}
func (NoopTracer) OnApply(uint64)                         {}
