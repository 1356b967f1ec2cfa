// this file implements the atomic on-disk snapshot representation spec.md
// 4.H and 6 describe: a snapshot is visible only once both its metadata and
// its FSM-state payload are durably written and renamed into place, named
// "snapshot-<term-16hex>-<index-16hex>-<timestamp>".
package log

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mrshabel/gumraft/internal/raerr"
)

// SnapshotMeta is the durable header stored alongside a snapshot's opaque
// FSM payload: the log position it covers and the configuration that was
// in effect at that position (spec.md 3's snapshot data model).
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Timestamp         int64
	// ConfigurationData is the already-encoded configuration.Configuration
	// bytes (internal/configuration.Encode output), stored verbatim so this
	// package doesn't need to import that one.
	ConfigurationData []byte
}

func snapshotBaseName(term, index uint64, timestamp int64) string {
	return fmt.Sprintf("snapshot-%016x-%016x-%d", term, index, timestamp)
}

// ParseSnapshotName extracts (term, index, timestamp) from a base name
// produced by snapshotBaseName, used when scanning a directory for the
// newest snapshot on load.
func ParseSnapshotName(name string) (term, index uint64, timestamp int64, err error) {
	parts := strings.SplitN(name, "-", 4)
	if len(parts) != 4 || parts[0] != "snapshot" {
		return 0, 0, 0, raerr.New(raerr.KindCorrupt, "malformed snapshot name "+name)
	}
	if _, err = fmt.Sscanf(parts[1], "%016x", &term); err != nil {
		return 0, 0, 0, raerr.Wrap(raerr.KindCorrupt, "malformed snapshot term "+name, err)
	}
	if _, err = fmt.Sscanf(parts[2], "%016x", &index); err != nil {
		return 0, 0, 0, raerr.Wrap(raerr.KindCorrupt, "malformed snapshot index "+name, err)
	}
	ts, perr := strconv.ParseInt(parts[3], 10, 64)
	if perr != nil {
		return 0, 0, 0, raerr.Wrap(raerr.KindCorrupt, "malformed snapshot timestamp "+name, perr)
	}
	return term, index, ts, nil
}

// WriteSnapshot durably persists meta and data under dir, visible only
// after both files have been written, fsynced and renamed into place, and
// the directory entry itself fsynced. It returns the base name a later
// ReadSnapshot call needs.
func WriteSnapshot(dir string, meta SnapshotMeta, data []byte) (string, error) {
	base := snapshotBaseName(meta.LastIncludedTerm, meta.LastIncludedIndex, meta.Timestamp)

	if err := writeAtomic(filepath.Join(dir, base+".data"), data); err != nil {
		return "", raerr.Wrap(raerr.KindIoError, "write snapshot data", err)
	}
	if err := writeAtomic(filepath.Join(dir, base+".meta"), encodeSnapshotMeta(meta)); err != nil {
		return "", raerr.Wrap(raerr.KindIoError, "write snapshot metadata", err)
	}
	if err := fsyncDir(dir); err != nil {
		return "", raerr.Wrap(raerr.KindIoError, "fsync snapshot directory", err)
	}
	return base, nil
}

// ReadSnapshot loads a previously written snapshot's metadata and payload.
func ReadSnapshot(dir, base string) (SnapshotMeta, []byte, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, base+".meta"))
	if err != nil {
		return SnapshotMeta{}, nil, raerr.Wrap(raerr.KindIoError, "read snapshot metadata", err)
	}
	meta, err := decodeSnapshotMeta(metaBytes)
	if err != nil {
		return SnapshotMeta{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, base+".data"))
	if err != nil {
		return SnapshotMeta{}, nil, raerr.Wrap(raerr.KindIoError, "read snapshot data", err)
	}
	return meta, data, nil
}

// LatestSnapshot returns the base name of the snapshot with the highest
// last-included-index in dir, or ("", false) if none exist. Partially
// written snapshots (data present, meta absent, or vice versa) are
// excluded, since a rename pair completing only one side means the crash
// happened before the snapshot became visible.
func LatestSnapshot(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	haveMeta := map[string]bool{}
	haveData := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".meta"):
			haveMeta[strings.TrimSuffix(name, ".meta")] = true
		case strings.HasSuffix(name, ".data"):
			haveData[strings.TrimSuffix(name, ".data")] = true
		}
	}

	var candidates []string
	for base := range haveMeta {
		if haveData[base] {
			candidates = append(candidates, base)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		_, idxI, _, _ := ParseSnapshotName(candidates[i])
		_, idxJ, _, _ := ParseSnapshotName(candidates[j])
		return idxI < idxJ
	})
	return candidates[len(candidates)-1], true, nil
}

// RemoveSnapshot deletes a snapshot's files, used to retire superseded
// snapshots once a newer one has become visible.
func RemoveSnapshot(dir, base string) error {
	if err := os.Remove(filepath.Join(dir, base+".meta")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(dir, base+".data")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// encodeSnapshotMeta lays out SnapshotMeta as
// [u64 term][u64 index][i64 timestamp][u32 cfgLen][cfg bytes], little-endian.
func encodeSnapshotMeta(m SnapshotMeta) []byte {
	buf := make([]byte, 8+8+8+4+len(m.ConfigurationData))
	binary.LittleEndian.PutUint64(buf[0:8], m.LastIncludedTerm)
	binary.LittleEndian.PutUint64(buf[8:16], m.LastIncludedIndex)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Timestamp))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(m.ConfigurationData)))
	copy(buf[28:], m.ConfigurationData)
	return buf
}

func decodeSnapshotMeta(buf []byte) (SnapshotMeta, error) {
	if len(buf) < 28 {
		return SnapshotMeta{}, raerr.New(raerr.KindCorrupt, "snapshot metadata too short")
	}
	var m SnapshotMeta
	m.LastIncludedTerm = binary.LittleEndian.Uint64(buf[0:8])
	m.LastIncludedIndex = binary.LittleEndian.Uint64(buf[8:16])
	m.Timestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	cfgLen := binary.LittleEndian.Uint32(buf[24:28])
	if uint32(len(buf)-28) < cfgLen {
		return SnapshotMeta{}, raerr.New(raerr.KindCorrupt, "snapshot metadata configuration truncated")
	}
	m.ConfigurationData = append([]byte(nil), buf[28:28+cfgLen]...)
	return m, nil
}
