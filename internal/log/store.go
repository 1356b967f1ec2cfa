// this file implements the append-only byte-level backing of one segment's
// data file: a plain sequential writer, without any framing of its own,
// since entry.go's frame format is already self-describing (length-prefixed
// per-entry, CRC-protected as a whole).
package log

import (
	"bufio"
	"os"
	"sync"
)

type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

// create a new store from a given file. file could be new or existing
func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// append a frame to the underlying store.
// returns the number of bytes written, position of the frame in the store, error
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos = s.size
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// read len(p) bytes into p beginning at off offset, flushing any buffered
// writes first so reads always observe them
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	return s.File.ReadAt(p, off)
}

// Sync flushes buffered writes and fsyncs the file. This is the durability
// boundary the replication module must wait on before reporting an entry
// as locally stored.
func (s *store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Sync()
}

// persist buffered data before closing the underlying file
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
