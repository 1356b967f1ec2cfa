// Package log implements the segmented, on-disk log storage backend of
// spec.md 4.B/4.C: an in-memory index over a pool of pre-allocated open
// segments and a growing tail of sealed closed segments, backed by a
// two-file atomic metadata store and atomic snapshot files.
package log

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mrshabel/gumraft/internal/raerr"
	"github.com/mrshabel/gumraft/internal/workqueue"
	"go.uber.org/zap"
)

// Log is the storage backend's façade: the single object the protocol
// engine talks to for append, lookup, truncation and persisted term/vote
// state. Every exported method here either completes synchronously (plain
// in-memory/mmap reads) or accepts a completion callback. Where the work
// is offloaded to a worker (spec.md 5), the callback is invoked only once
// it re-enters on the owning workqueue.Loop; where no worker is needed
// (e.g. Append into an active segment with room), it runs synchronously.
type Log struct {
	mu     sync.Mutex
	dir    string
	cfg    Config
	loop   *workqueue.Loop
	logger *zap.Logger

	meta  *metadataStore
	state metadataState

	pool     *segmentPool
	segments []*segment // sealed, ascending by baseIndex
	active   *segment   // currently accepting appends, or nil

	closed bool
}

// Open loads (or initializes) the log rooted at dir: it discovers closed
// segments by directory scan, recovers or discards orphaned open segments,
// loads persisted term/vote/first-index metadata, and starts the
// segment-preparation pool.
func Open(dir string, cfg Config, loop *workqueue.Loop, logger *zap.Logger) (*Log, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, raerr.Wrap(raerr.KindIoError, "create log directory", err)
	}

	l := &Log{
		dir:    dir,
		cfg:    cfg,
		loop:   loop,
		logger: logger.Named("log"),
		meta:   newMetadataStore(dir),
	}

	state, err := l.meta.Load()
	if err != nil {
		return nil, err
	}
	l.state = state

	if err := l.loadSegments(); err != nil {
		return nil, err
	}

	counter, err := discoverNextCounter(dir)
	if err != nil {
		return nil, raerr.Wrap(raerr.KindIoError, "scan segment counters", err)
	}
	l.pool = newSegmentPool(dir, cfg, loop, counter, l.logger)
	l.pool.Start()

	return l, nil
}

// loadSegments discovers closed segments sorted by first-index and, for any
// orphan open-<counter> file pairs left from a prior run, recovers the one
// that already holds entries as the new active segment (sealing it back
// into the closed tail happens lazily, same as for any other maxed
// segment). Empty orphans (unused pool allocations) are closed and left on
// disk; any further non-empty orphan is removed as corrupt.
func (l *Log) loadSegments() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return raerr.Wrap(raerr.KindIoError, "read log directory", err)
	}

	var closedNames []string
	var openCounters []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".store") {
			continue
		}
		base := strings.TrimSuffix(name, ".store")
		if strings.HasPrefix(base, "open-") {
			var counter uint64
			if _, err := fmtSscanOpen(base, &counter); err == nil {
				openCounters = append(openCounters, counter)
			}
			continue
		}
		if len(base) == 33 {
			closedNames = append(closedNames, base)
		}
	}

	sort.Strings(closedNames)
	for _, name := range closedNames {
		seg, _, err := loadClosedSegment(l.dir, name, l.cfg)
		if err != nil {
			return raerr.Wrap(raerr.KindCorrupt, "load closed segment "+name, err)
		}
		if err := validateSegment(seg); err != nil {
			return raerr.Wrap(raerr.KindCorrupt, "validate closed segment "+name, err)
		}
		l.segments = append(l.segments, seg)
	}

	sort.Slice(openCounters, func(i, j int) bool { return openCounters[i] < openCounters[j] })
	for _, counter := range openCounters {
		seg, err := loadOpenSegment(l.dir, counter, l.cfg)
		if err != nil {
			return raerr.Wrap(raerr.KindIoError, "reopen orphan segment", err)
		}
		if seg.index.NumEntries() == 0 {
			// never written to: an unused pool allocation from before the
			// crash, left alone for the pool's own counter scan to skip.
			seg.Close()
			continue
		}
		if l.active != nil {
			// more than one non-empty orphan should never happen; keep
			// the lowest counter (the one actually in use) and drop the
			// rest as corrupt.
			seg.Remove()
			continue
		}
		base := l.nextIndexLocked()
		n := seg.index.NumEntries()
		seg.Activate(base)
		// Activate resets nextIndex to base, losing the entry count we
		// already recovered; restore it from the index we just read.
		seg.nextIndex = base + n
		l.active = seg
	}

	return nil
}

// validateSegment spot-checks a closed segment's recorded entry count
// against its index so an obviously truncated or corrupt segment fails
// fast at load rather than on first Get.
func validateSegment(seg *segment) error {
	n := seg.index.NumEntries()
	if n == 0 {
		return raerr.New(raerr.KindCorrupt, "closed segment has no entries")
	}
	if _, err := seg.Get(seg.baseIndex); err != nil {
		return err
	}
	if _, err := seg.Get(seg.LastIndex()); err != nil {
		return err
	}
	return nil
}

func (l *Log) nextIndexLocked() uint64 {
	if len(l.segments) > 0 {
		return l.segments[len(l.segments)-1].LastIndex() + 1
	}
	if l.state.FirstIndex > 0 {
		return l.state.FirstIndex
	}
	return 1
}

// Append adds e to the log, acquiring a fresh segment from the pool first
// if none is active or the active one is full. cb is invoked exactly once,
// either synchronously (fast path: an already-active segment with room)
// or once the pool's async acquisition completes.
func (l *Log) Append(e Entry, cb func(index uint64, err error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cb(0, raerr.New(raerr.KindShutdownInProgress, "log is closed"))
		return
	}
	if l.active != nil && !l.active.IsMaxed() {
		idx, err := l.active.Append(e)
		l.mu.Unlock()
		cb(idx, err)
		return
	}
	old := l.active
	l.active = nil
	l.mu.Unlock()

	if old != nil {
		if err := old.Seal(); err != nil {
			cb(0, raerr.Wrap(raerr.KindIoError, "seal full segment", err))
			return
		}
		l.mu.Lock()
		l.segments = append(l.segments, old)
		l.mu.Unlock()
	}

	l.pool.Acquire(func(seg *segment, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		l.mu.Lock()
		seg.Activate(l.nextIndexLocked())
		l.active = seg
		idx, aerr := seg.Append(e)
		l.mu.Unlock()
		cb(idx, aerr)
	})
}

// Get returns the entry at index. A missing index returns a KindIoError
// (spec.md doesn't name a dedicated NotFound kind for the log layer).
func (l *Log) Get(index uint64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(index)
}

func (l *Log) getLocked(index uint64) (Entry, error) {
	if l.active != nil && index >= l.active.baseIndex && index <= l.active.LastIndex() {
		return l.active.Get(index)
	}
	for _, seg := range l.segments {
		if index >= seg.baseIndex && index <= seg.LastIndex() {
			return seg.Get(index)
		}
	}
	return Entry{}, raerr.New(raerr.KindIoError, "index not present in log")
}

// LastIndex returns the highest index stored, or 0 if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	if l.active != nil && l.active.nextIndex > l.active.baseIndex {
		return l.active.LastIndex()
	}
	if len(l.segments) > 0 {
		return l.segments[len(l.segments)-1].LastIndex()
	}
	return 0
}

// LastTerm returns the term of the entry at LastIndex, or 0 if empty.
func (l *Log) LastTerm() uint64 {
	l.mu.Lock()
	last := l.lastIndexLocked()
	if last == 0 {
		l.mu.Unlock()
		return 0
	}
	e, err := l.getLocked(last)
	l.mu.Unlock()
	if err != nil {
		return 0
	}
	return e.Term
}

// FirstIndex returns the lowest index still covered by the in-memory log;
// everything below it is assumed covered by a snapshot (spec.md 3
// invariant 7).
func (l *Log) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.FirstIndex > 0 {
		return l.state.FirstIndex
	}
	return 1
}

// Matches reports whether the log holds an entry at index with term term;
// used by the election and replication modules' up-to-date and
// log-matching checks.
func (l *Log) Matches(index, term uint64) bool {
	e, err := l.Get(index)
	if err != nil {
		return false
	}
	return e.Term == term
}

// TruncateSuffix drops every entry with index >= from: it walks segments
// from the tail, discarding fully-superseded sealed segments and trimming
// the partially-superseded one in place.
func (l *Log) TruncateSuffix(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active != nil {
		if l.active.baseIndex >= from {
			if err := l.active.Remove(); err != nil {
				return err
			}
			l.active = nil
		} else if from <= l.active.LastIndex() {
			l.active.TruncateSuffix(from)
		}
	}

	for len(l.segments) > 0 {
		last := l.segments[len(l.segments)-1]
		if last.baseIndex < from {
			break
		}
		if err := last.Remove(); err != nil {
			return err
		}
		l.segments = l.segments[:len(l.segments)-1]
	}
	if n := len(l.segments); n > 0 {
		last := l.segments[n-1]
		if from <= last.LastIndex() {
			// a sealed segment's file names encode its range: trim it,
			// then rename both files to the shorter <first>-<last> form.
			old := filepath.Join(l.dir, closedSegmentName(last.baseIndex, last.LastIndex()))
			last.TruncateSuffix(from)
			cur := filepath.Join(l.dir, closedSegmentName(last.baseIndex, last.LastIndex()))
			for _, ext := range []string{".store", ".index"} {
				if err := os.Rename(old+ext, cur+ext); err != nil {
					return raerr.Wrap(raerr.KindIoError, "rename truncated segment", err)
				}
			}
		}
	}
	return nil
}

// TruncatePrefix drops every entry with index <= upTo: fully-covered sealed
// segments are removed outright; spec.md's segment granularity means a
// segment straddling upTo is kept whole (first_index advances past upTo
// logically without physically splitting the segment).
func (l *Log) TruncatePrefix(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.segments[:0]
	for _, seg := range l.segments {
		if seg.LastIndex() <= upTo {
			if err := seg.Remove(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept

	if upTo+1 > l.state.FirstIndex {
		l.state.Version++
		l.state.FirstIndex = upTo + 1
		if err := l.meta.Store(l.state); err != nil {
			return err
		}
	}
	return nil
}

// CurrentTerm, VotedFor and SetTermAndVote expose the persisted election
// state spec.md 3 requires; SetTermAndVote is the election module's single
// write path for both, kept atomic in one metadata record per spec.md 6.
func (l *Log) CurrentTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.CurrentTerm
}

func (l *Log) VotedFor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.VotedFor
}

func (l *Log) SetTermAndVote(term, votedFor uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Version++
	l.state.CurrentTerm = term
	l.state.VotedFor = votedFor
	return l.meta.Store(l.state)
}

// Close closes every segment and shuts the segment pool down. cb fires
// only once the pool's own close protocol (spec.md 4.C) has resolved. The
// active segment need not be sealed just to close cleanly - it's reopened
// as an orphan on the next Open.
func (l *Log) Close(cb func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cb(nil)
		return
	}
	l.closed = true
	active := l.active
	l.active = nil
	segments := l.segments
	l.segments = nil
	l.mu.Unlock()

	var firstErr error
	if active != nil {
		if err := active.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, seg := range segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.pool.Close(func() {
		cb(firstErr)
	})
}

// SnapshotDir is where the snapshot coordinator writes atomic snapshot
// files: the same directory the log's own segments live in.
func (l *Log) SnapshotDir() string {
	return filepath.Clean(l.dir)
}
