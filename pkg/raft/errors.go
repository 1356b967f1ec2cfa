package raft

import "github.com/mrshabel/gumraft/internal/raerr"

// Kind classifies a failure into one of spec.md 6's error codes. It's a
// type alias (not a fresh type) so callers that imported raerr directly -
// internal/log and internal/configuration both do - and callers that only
// ever see the public raft API compare the exact same underlying values.
type Kind = raerr.Kind

const (
	KindNoMemory           = raerr.KindNoMemory
	KindBadServerID        = raerr.KindBadServerID
	KindDupServerID        = raerr.KindDupServerID
	KindDupServerAddress   = raerr.KindDupServerAddress
	KindUnknownServerID    = raerr.KindUnknownServerID
	KindNoServerAddress    = raerr.KindNoServerAddress
	KindBusy               = raerr.KindBusy
	KindIoError            = raerr.KindIoError
	KindCorrupt            = raerr.KindCorrupt
	KindCanceled           = raerr.KindCanceled
	KindNotLeader          = raerr.KindNotLeader
	KindLeadershipLost     = raerr.KindLeadershipLost
	KindShutdownInProgress = raerr.KindShutdownInProgress
	KindConfigurationBusy  = raerr.KindConfigurationBusy
)

// Error is the context-chain error every exported operation returns.
type Error = raerr.Error

func newError(kind Kind, msg string) *Error {
	return raerr.New(kind, msg)
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return raerr.Wrap(kind, msg, cause)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return raerr.Is(err, kind)
}
