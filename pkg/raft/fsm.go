package raft

// FSM is the out-of-scope collaborator spec.md 1 calls "the FSM interface
// itself": the user's replicated state machine. The apply loop (4.G) owns
// it exclusively; the state engine never touches it directly.
type FSM interface {
	// Apply is invoked once per committed command entry, in log order.
	// The returned value is handed back to whatever issued the original
	// Raft.Apply call, if it's still waiting.
	Apply(index, term uint64, command []byte) any

	// Snapshot produces an opaque, consistent point-in-time encoding of
	// the FSM's state for the snapshot coordinator to persist.
	Snapshot() ([]byte, error)

	// Restore replaces the FSM's entire state with a previously-produced
	// snapshot, called on InstallSnapshot receipt.
	Restore(data []byte) error
}
