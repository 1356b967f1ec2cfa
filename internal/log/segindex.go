// this file memory-maps each segment's index region: the spec's "payload
// bytes may be owned or referenced from a memory-mapped segment" is
// implemented by looking up a logical log index's (store position, frame
// length) pair through an mmap'd fixed-width table, the way gumlog's
// internal/log/index.go maps record offset to store position.
package log

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

var enc = binary.LittleEndian

const (
	// relative logical index (uint32) | store position (uint64) | frame length (uint32)
	relWidth = 4
	posWidth = 8
	lenWidth = 4
	entWidth = relWidth + posWidth + lenWidth
)

type segIndex struct {
	file *os.File
	mmap gommap.MMap
	size uint64
}

// newSegIndex memory-maps f, growing it to maxBytes first since a mmap'd
// file cannot be grown in place afterwards.
func newSegIndex(f *os.File, maxBytes uint64) (*segIndex, error) {
	idx := &segIndex{file: f}
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())

	if err := os.Truncate(f.Name(), int64(maxBytes)); err != nil {
		return nil, err
	}
	mmap, err := gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	idx.mmap = mmap
	return idx, nil
}

func (i *segIndex) Name() string {
	return i.file.Name()
}

// Read returns the (relative index, store position, frame length) stored at
// entry "in". in == -1 means "the last entry".
func (i *segIndex) Read(in int64) (rel uint32, pos uint64, length uint32, err error) {
	if i.size == 0 {
		return 0, 0, 0, io.EOF
	}
	var entIdx uint32
	if in == -1 {
		entIdx = uint32(i.size/entWidth - 1)
	} else {
		entIdx = uint32(in)
	}
	byteOff := uint64(entIdx) * entWidth
	if i.size < byteOff+entWidth {
		return 0, 0, 0, io.EOF
	}
	rel = enc.Uint32(i.mmap[byteOff : byteOff+relWidth])
	pos = enc.Uint64(i.mmap[byteOff+relWidth : byteOff+relWidth+posWidth])
	length = enc.Uint32(i.mmap[byteOff+relWidth+posWidth : byteOff+entWidth])
	return rel, pos, length, nil
}

// Write appends one (relative index, position, length) triple.
func (i *segIndex) Write(rel uint32, pos uint64, length uint32) error {
	if uint64(len(i.mmap)) < i.size+entWidth {
		return io.EOF
	}
	enc.PutUint32(i.mmap[i.size:i.size+relWidth], rel)
	enc.PutUint64(i.mmap[i.size+relWidth:i.size+relWidth+posWidth], pos)
	enc.PutUint32(i.mmap[i.size+relWidth+posWidth:i.size+entWidth], length)
	i.size += entWidth
	return nil
}

// NumEntries reports how many (rel, pos, len) triples have been written.
func (i *segIndex) NumEntries() uint64 {
	return i.size / entWidth
}

// TruncateSuffixFrom drops every entry whose relative index is >= rel,
// rewinding i.size so further Writes overwrite the discarded region.
func (i *segIndex) TruncateSuffixFrom(rel uint32) {
	n := i.NumEntries()
	for n > 0 {
		byteOff := (n - 1) * entWidth
		r := enc.Uint32(i.mmap[byteOff : byteOff+relWidth])
		if r < rel {
			break
		}
		n--
	}
	i.size = n * entWidth
}

func (i *segIndex) Close() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	// unmap before truncating: some platforms refuse to truncate a
	// memory-mapped file out from under its mapping.
	if err := i.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}
