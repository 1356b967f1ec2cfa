// Package workqueue stands in for the task scheduler / event loop spec.md
// 1 treats as an external collaborator: a single-threaded main loop that
// timers and RPC dispatch run on, plus a worker pool for offloaded I/O
// (file allocation, fsync, FSM snapshot writes). The module never touches
// shared state from a worker goroutine directly — a job's result is
// delivered back onto the Loop's completion channel and only runs there,
// which is what spec.md 5 means by "completion marshaled back to the main
// thread before any shared state is touched".
//
// This mirrors the channel-and-goroutine shutdown pattern gumlog's
// internal/log/replicator.go and internal/agent use for their own
// background work, generalized into a reusable scheduler.
package workqueue

// Loop is a single-threaded dispatcher: callers submit background work
// with Go, and its completion callback is guaranteed to run only when the
// Loop itself processes it (via Run or RunOnce), never concurrently with
// anything else the Loop runs.
type Loop struct {
	completions chan func()
	closed      chan struct{}
}

// NewLoop creates a Loop with room for 256 pending completions before Go or
// Post blocks the goroutine delivering the next one.
func NewLoop() *Loop {
	return &Loop{
		completions: make(chan func(), 256),
		closed:      make(chan struct{}),
	}
}

// Go runs work on a new goroutine and marshals its result back onto the
// Loop as a completion closure. work must not touch any state the Loop
// thread owns; onDone is the only place that's safe.
func (l *Loop) Go(work func() (any, error), onDone func(any, error)) {
	go func() {
		res, err := work()
		select {
		case <-l.closed:
			return
		default:
		}
		select {
		case l.completions <- func() { onDone(res, err) }:
		case <-l.closed:
		}
	}()
}

// Post schedules fn to run on the Loop thread with no associated
// background work — used to marshal a network-layer callback (an RPC
// reply arriving on a transport goroutine) onto the main loop.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.completions <- fn:
	case <-l.closed:
	}
}

// Completions exposes the raw completion channel so a caller that needs to
// select across it and other event sources (e.g. an inbound-RPC channel)
// can drive the loop itself instead of calling Run. Every value received
// must be invoked by the caller - Completions does not run it.
func (l *Loop) Completions() <-chan func() {
	return l.completions
}

// RunOnce drains and executes whatever completions are currently queued,
// without blocking for more. It returns the number it ran.
func (l *Loop) RunOnce() int {
	n := 0
	for {
		select {
		case fn := <-l.completions:
			fn()
			n++
		default:
			return n
		}
	}
}

// Run blocks processing completions until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		select {
		case fn := <-l.completions:
			fn()
		case <-stop:
			return
		}
	}
}

// Close prevents any further completions from being delivered; goroutines
// racing to post one after Close observe l.closed instead and drop their
// result, per spec.md 5's cancellation semantics (outstanding operations
// may run to completion, but their completions must observe "closing" and
// release resources rather than act on stale state).
func (l *Loop) Close() {
	close(l.closed)
}
