package log

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mrshabel/gumraft/internal/raerr"
)

// EntryType distinguishes the three kinds of payload a log entry can carry.
type EntryType uint8

const (
	EntryCommand EntryType = iota + 1
	EntryConfiguration
	EntryBarrier
)

// Entry is one record of the replicated log: a term, a type, and an opaque
// payload. The pair (Term, Index) uniquely identifies an entry forever;
// Index is not stored in the entry itself, it's implied by position.
type Entry struct {
	Term    uint64
	Type    EntryType
	Payload []byte
}

const (
	frameVersion   = 1
	preambleWidth  = 16 // u64 version | u64 n-entries
	entryHdrWidth  = 16 // u64 term | u8 type | u8x3 pad | u32 payload-len
	frameFooter    = 8  // crc32 of header | crc32 of payloads
	alignmentBytes = 8
)

func alignUp(n int) int {
	rem := n % alignmentBytes
	if rem == 0 {
		return n
	}
	return n + (alignmentBytes - rem)
}

// EncodeFrame serializes a batch of entries into the framed, CRC-protected
// on-disk format described in spec.md 6:
//
//	[preamble][batch-header x n][payloads, each 8-byte aligned][crc32 header | crc32 payloads]
func EncodeFrame(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, raerr.New(raerr.KindIoError, "cannot encode an empty batch")
	}

	headerLen := preambleWidth + entryHdrWidth*len(entries)
	payloadLen := 0
	for _, e := range entries {
		payloadLen += alignUp(len(e.Payload))
	}

	buf := make([]byte, headerLen+payloadLen+frameFooter)

	binary.LittleEndian.PutUint64(buf[0:8], frameVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(entries)))

	hoff := preambleWidth
	poff := headerLen
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[hoff:hoff+8], e.Term)
		buf[hoff+8] = byte(e.Type)
		// buf[hoff+9 : hoff+12] left zero as padding
		binary.LittleEndian.PutUint32(buf[hoff+12:hoff+16], uint32(len(e.Payload)))
		hoff += entryHdrWidth

		copy(buf[poff:], e.Payload)
		poff += alignUp(len(e.Payload))
	}

	headerCRC := crc32.ChecksumIEEE(buf[:headerLen])
	payloadCRC := crc32.ChecksumIEEE(buf[headerLen : headerLen+payloadLen])
	binary.LittleEndian.PutUint32(buf[headerLen+payloadLen:headerLen+payloadLen+4], headerCRC)
	binary.LittleEndian.PutUint32(buf[headerLen+payloadLen+4:headerLen+payloadLen+8], payloadCRC)

	return buf, nil
}

// DecodeFrame validates and parses a frame produced by EncodeFrame. A CRC
// mismatch or truncated buffer returns a raerr.KindCorrupt error, per the
// load-on-startup validation spec.md 4.C requires.
func DecodeFrame(buf []byte) ([]Entry, error) {
	if len(buf) < preambleWidth+frameFooter {
		return nil, raerr.New(raerr.KindCorrupt, "frame shorter than preamble+footer")
	}
	version := binary.LittleEndian.Uint64(buf[0:8])
	if version != frameVersion {
		return nil, raerr.New(raerr.KindCorrupt, "unsupported frame version")
	}
	n := binary.LittleEndian.Uint64(buf[8:16])

	headerLen := preambleWidth + entryHdrWidth*int(n)
	if headerLen+frameFooter > len(buf) {
		return nil, raerr.New(raerr.KindCorrupt, "frame truncated in header")
	}

	type rawEntry struct {
		term   uint64
		typ    EntryType
		length uint32
	}
	raw := make([]rawEntry, n)
	hoff := preambleWidth
	payloadLen := 0
	for i := uint64(0); i < n; i++ {
		term := binary.LittleEndian.Uint64(buf[hoff : hoff+8])
		typ := EntryType(buf[hoff+8])
		length := binary.LittleEndian.Uint32(buf[hoff+12 : hoff+16])
		raw[i] = rawEntry{term: term, typ: typ, length: length}
		payloadLen += alignUp(int(length))
		hoff += entryHdrWidth
	}

	if headerLen+payloadLen+frameFooter != len(buf) {
		return nil, raerr.New(raerr.KindCorrupt, "frame length mismatch")
	}

	headerCRC := binary.LittleEndian.Uint32(buf[headerLen+payloadLen : headerLen+payloadLen+4])
	payloadCRC := binary.LittleEndian.Uint32(buf[headerLen+payloadLen+4 : headerLen+payloadLen+8])

	if crc32.ChecksumIEEE(buf[:headerLen]) != headerCRC {
		return nil, raerr.New(raerr.KindCorrupt, "header crc mismatch")
	}
	if crc32.ChecksumIEEE(buf[headerLen:headerLen+payloadLen]) != payloadCRC {
		return nil, raerr.New(raerr.KindCorrupt, "payload crc mismatch")
	}

	entries := make([]Entry, n)
	poff := headerLen
	for i := uint64(0); i < n; i++ {
		r := raw[i]
		payload := make([]byte, r.length)
		copy(payload, buf[poff:poff+int(r.length)])
		entries[i] = Entry{Term: r.term, Type: r.typ, Payload: payload}
		poff += alignUp(int(r.length))
	}
	return entries, nil
}

// FrameSize returns the number of bytes EncodeFrame would produce for the
// given batch, without allocating it. Used by the segment to decide whether
// a batch still fits before committing to write it.
func FrameSize(entries []Entry) int {
	headerLen := preambleWidth + entryHdrWidth*len(entries)
	payloadLen := 0
	for _, e := range entries {
		payloadLen += alignUp(len(e.Payload))
	}
	return headerLen + payloadLen + frameFooter
}
