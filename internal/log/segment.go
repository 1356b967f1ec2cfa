package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// segState tracks an open segment through the lifecycle spec.md 3 names:
// in-flight while its files are still being allocated, ready once it's
// sitting in the pool, consumed once a writer is appending to it, and
// finally sealed (renamed to its closed form) or discarded.
type segState int

const (
	segInFlight segState = iota
	segReady
	segConsumed
	segSealed
	segDiscarded
)

// segment is one physical segment: a store file holding framed entry
// batches and an mmap'd index mapping logical index -> (position, length).
// An open segment has no fixed index range until Activate is called, at
// which point it starts accepting appends at baseIndex.
type segment struct {
	dir    string
	cfg    Config
	store  *store
	index  *segIndex
	state  segState
	sealed bool

	// counter identifies this segment while it is still "open-<counter>".
	counter uint64
	// baseIndex is the first log index this segment may hold; zero means
	// "not yet activated".
	baseIndex uint64
	// nextIndex is the next index Append will assign.
	nextIndex uint64
}

func openSegmentName(counter uint64) string {
	return fmt.Sprintf("open-%d", counter)
}

func closedSegmentName(firstIndex, lastIndex uint64) string {
	return fmt.Sprintf("%016x-%016x", firstIndex, lastIndex)
}

// newOpenSegment allocates (zero-fills) a fresh pair of store/index files
// for an open segment identified by counter. This is the file-allocation
// half of the preparation protocol in spec.md 4.C; it does the "allocate
// the file, zero-fill" step, not the directory fsync, which the caller
// (segmentPool) performs once after allocation so it covers both files.
func newOpenSegment(dir string, counter uint64, cfg Config) (*segment, error) {
	name := openSegmentName(counter)
	storeFile, err := os.OpenFile(filepath.Join(dir, name+".store"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := storeFile.Truncate(int64(cfg.SegmentBytes())); err != nil {
		storeFile.Close()
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, err
	}
	// store.size tracks the logical write cursor, not the pre-allocated
	// file length; reset it to zero now that Truncate has grown the file.
	st.size = 0

	indexFile, err := os.OpenFile(filepath.Join(dir, name+".index"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		st.Close()
		return nil, err
	}
	idx, err := newSegIndex(indexFile, cfg.IndexBytes())
	if err != nil {
		st.Close()
		return nil, err
	}

	return &segment{
		dir:     dir,
		cfg:     cfg,
		store:   st,
		index:   idx,
		state:   segInFlight,
		counter: counter,
	}, nil
}

// loadClosedSegment reopens an already-sealed segment discovered on disk;
// name is its "<first>-<last>" form without extension.
func loadClosedSegment(dir, name string, cfg Config) (*segment, firstLast, error) {
	fl, err := parseClosedName(name)
	if err != nil {
		return nil, firstLast{}, err
	}
	storeFile, err := os.OpenFile(filepath.Join(dir, name+".store"), os.O_RDWR, 0644)
	if err != nil {
		return nil, firstLast{}, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, firstLast{}, err
	}
	indexFile, err := os.OpenFile(filepath.Join(dir, name+".index"), os.O_RDWR, 0644)
	if err != nil {
		st.Close()
		return nil, firstLast{}, err
	}
	idx, err := newSegIndex(indexFile, cfg.IndexBytes())
	if err != nil {
		st.Close()
		return nil, firstLast{}, err
	}
	s := &segment{
		dir:       dir,
		cfg:       cfg,
		store:     st,
		index:     idx,
		state:     segSealed,
		sealed:    true,
		baseIndex: fl.first,
		nextIndex: fl.last + 1,
	}
	return s, fl, nil
}

// loadOpenSegment reopens an existing open-<counter> file pair found on
// disk at startup, without the zero-fill/truncate newOpenSegment performs
// on a brand new allocation (the file is already the right size and may
// already hold entries from before a crash).
func loadOpenSegment(dir string, counter uint64, cfg Config) (*segment, error) {
	name := openSegmentName(counter)
	storeFile, err := os.OpenFile(filepath.Join(dir, name+".store"), os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, err
	}
	indexFile, err := os.OpenFile(filepath.Join(dir, name+".index"), os.O_RDWR, 0644)
	if err != nil {
		st.Close()
		return nil, err
	}
	idx, err := newSegIndex(indexFile, cfg.IndexBytes())
	if err != nil {
		st.Close()
		return nil, err
	}

	// st.size defaults to the pre-allocated file length (Stat sees the
	// full zero-filled size); the real write cursor is only recoverable
	// from the index's last recorded frame, same as newOpenSegment resets
	// it to zero for a segment that has never been written to.
	if _, pos, length, err := idx.Read(-1); err == nil {
		st.size = pos + uint64(alignUp(int(length)))
	} else {
		st.size = 0
	}
	// the store's writer appends at the file offset, so move it to the cursor.
	if _, err := storeFile.Seek(int64(st.size), io.SeekStart); err != nil {
		idx.Close()
		st.Close()
		return nil, err
	}

	return &segment{
		dir:     dir,
		cfg:     cfg,
		store:   st,
		index:   idx,
		state:   segReady,
		counter: counter,
	}, nil
}

type firstLast struct {
	first, last uint64
}

func parseClosedName(name string) (firstLast, error) {
	var fl firstLast
	if len(name) != 33 || name[16] != '-' {
		return fl, fmt.Errorf("malformed closed segment name %q", name)
	}
	if _, err := fmt.Sscanf(name[:16], "%016x", &fl.first); err != nil {
		return fl, err
	}
	if _, err := fmt.Sscanf(name[17:], "%016x", &fl.last); err != nil {
		return fl, err
	}
	return fl, nil
}

// Activate assigns an open segment its index range, moving it from "ready"
// (handed out by the pool) to "consumed" (being written to by the log).
func (s *segment) Activate(firstIndex uint64) {
	s.baseIndex = firstIndex
	s.nextIndex = firstIndex
	s.state = segConsumed
}

// Append writes a single entry as a one-entry frame and records its
// position in the index. The wire format (entry.go) supports multi-entry
// batches; a segment only ever writes batches of one, so each logical
// index maps to exactly one frame.
func (s *segment) Append(e Entry) (index uint64, err error) {
	frame, err := EncodeFrame([]Entry{e})
	if err != nil {
		return 0, err
	}
	_, pos, err := s.store.Append(frame)
	if err != nil {
		return 0, err
	}
	rel := uint32(s.nextIndex - s.baseIndex)
	if err := s.index.Write(rel, pos, uint32(len(frame))); err != nil {
		return 0, err
	}
	idx := s.nextIndex
	s.nextIndex++
	return idx, nil
}

// Get reads back the entry at the given absolute log index.
func (s *segment) Get(index uint64) (Entry, error) {
	_, pos, length, err := s.index.Read(int64(index - s.baseIndex))
	if err != nil {
		return Entry{}, err
	}
	buf := make([]byte, length)
	if _, err := s.store.ReadAt(buf, int64(pos)); err != nil {
		return Entry{}, err
	}
	entries, err := DecodeFrame(buf)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// IsMaxed reports whether the segment has used up its pre-allocated space.
func (s *segment) IsMaxed() bool {
	return s.store.size >= s.cfg.SegmentBytes() || s.index.size >= s.cfg.IndexBytes()
}

// LastIndex returns the highest index written, or baseIndex-1 if empty.
func (s *segment) LastIndex() uint64 {
	if s.nextIndex == 0 {
		return 0
	}
	return s.nextIndex - 1
}

// TruncateSuffix drops every entry with index >= from, used for follower
// conflict resolution (spec.md 4.B truncate_suffix).
func (s *segment) TruncateSuffix(from uint64) {
	rel := uint32(from - s.baseIndex)
	s.index.TruncateSuffixFrom(rel)
	s.nextIndex = from
}

// Seal renames the segment's files from their open-<counter> form to their
// definitive <first>-<last> form, making them immutable thereafter.
func (s *segment) Seal() error {
	if s.sealed {
		return nil
	}
	if err := s.store.Sync(); err != nil {
		return err
	}
	oldName := openSegmentName(s.counter)
	newName := closedSegmentName(s.baseIndex, s.LastIndex())
	if err := os.Rename(filepath.Join(s.dir, oldName+".store"), filepath.Join(s.dir, newName+".store")); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(s.dir, oldName+".index"), filepath.Join(s.dir, newName+".index")); err != nil {
		return err
	}
	s.sealed = true
	s.state = segSealed
	return nil
}

// Remove closes the segment and deletes its backing files, used both for
// discarding a failed open segment and for post-snapshot prefix compaction.
func (s *segment) Remove() error {
	name := s.store.Name()
	idxName := s.index.Name()
	if s.sealed {
		// the open file handles still carry the pre-Seal open-<counter> names.
		base := filepath.Join(s.dir, closedSegmentName(s.baseIndex, s.LastIndex()))
		name, idxName = base+".store", base+".index"
	}
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(idxName); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.state = segDiscarded
	return nil
}

func (s *segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}
