package log

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/mrshabel/gumraft/internal/raerr"
)

// metadataState is the persisted subset of protocol state spec.md 6 puts in
// the metadata file: current-term, voted-for, and first-index (the lowest
// index still covered by the in-memory log, i.e. not yet compacted away by
// a snapshot).
type metadataState struct {
	Version     uint64
	CurrentTerm uint64
	VotedFor    uint64
	FirstIndex  uint64
}

const metadataWidth = 32 // 4 * u64

// metadataStore implements the two-file atomic versioning scheme: two fixed
// filenames, metadata1 and metadata2, each holding one version of the
// state. A write always targets the file currently holding the lower
// version, fsyncs it, and only then is it considered durable - the other
// file, being untouched, still holds the previous valid version if the
// process dies mid-write. A reader picks whichever file has the higher
// version field of the two that parse.
type metadataStore struct {
	dir   string
	paths [2]string
}

func newMetadataStore(dir string) *metadataStore {
	return &metadataStore{
		dir: dir,
		paths: [2]string{
			filepath.Join(dir, "metadata1"),
			filepath.Join(dir, "metadata2"),
		},
	}
}

// Load reads both metadata files and returns the one with the higher
// version. A missing or short/corrupt file is treated as absent rather
// than fatal, so a pristine directory loads as the zero state.
func (m *metadataStore) Load() (metadataState, error) {
	var best metadataState
	found := false
	for _, p := range m.paths {
		st, ok, err := readMetadataFile(p)
		if err != nil {
			return metadataState{}, raerr.Wrap(raerr.KindCorrupt, "metadata file corrupt: "+p, err)
		}
		if !ok {
			continue
		}
		if !found || st.Version > best.Version {
			best = st
			found = true
		}
	}
	return best, nil
}

func readMetadataFile(path string) (metadataState, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return metadataState{}, false, nil
		}
		return metadataState{}, false, err
	}
	if len(data) != metadataWidth {
		return metadataState{}, false, nil
	}
	st := metadataState{
		Version:     binary.LittleEndian.Uint64(data[0:8]),
		CurrentTerm: binary.LittleEndian.Uint64(data[8:16]),
		VotedFor:    binary.LittleEndian.Uint64(data[16:24]),
		FirstIndex:  binary.LittleEndian.Uint64(data[24:32]),
	}
	return st, true, nil
}

// Store durably persists next, writing to whichever of the two slots does
// not currently hold the highest version, then fsyncing the file and its
// directory entry. next.Version must be strictly greater than the version
// of whatever Load last returned; callers own incrementing it.
func (m *metadataStore) Store(next metadataState) error {
	target, err := m.targetSlot()
	if err != nil {
		return err
	}

	buf := make([]byte, metadataWidth)
	binary.LittleEndian.PutUint64(buf[0:8], next.Version)
	binary.LittleEndian.PutUint64(buf[8:16], next.CurrentTerm)
	binary.LittleEndian.PutUint64(buf[16:24], next.VotedFor)
	binary.LittleEndian.PutUint64(buf[24:32], next.FirstIndex)

	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return raerr.Wrap(raerr.KindIoError, "create metadata temp file", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return raerr.Wrap(raerr.KindIoError, "write metadata", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return raerr.Wrap(raerr.KindIoError, "fsync metadata", err)
	}
	if err := f.Close(); err != nil {
		return raerr.Wrap(raerr.KindIoError, "close metadata temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return raerr.Wrap(raerr.KindIoError, "rename metadata into place", err)
	}
	return fsyncDir(m.dir)
}

// targetSlot picks the file currently holding the lower (or absent)
// version, so a crash mid-write always leaves the other slot's prior
// version intact and readable.
func (m *metadataStore) targetSlot() (string, error) {
	var versions [2]uint64
	for i, p := range m.paths {
		st, ok, err := readMetadataFile(p)
		if err != nil {
			return "", err
		}
		if ok {
			versions[i] = st.Version
		}
	}
	if versions[0] <= versions[1] {
		return m.paths[0], nil
	}
	return m.paths[1], nil
}
