// Package metadatalog implements the metadata log (ML): a volatile ring
// buffer of recently-appended metadata deltas backed by a persistent,
// AEAD-chunked journal file, replayed at open and trimmed as entries are
// applied (spec §4.5).
//
// Grounded on internal/store/wal.go's append-commit-replay discipline
// (magic-stamped frames, a length prefix scanned sequentially with
// bufio/io rather than mmap'd) generalized from wal.go's single
// CRC32-checksummed blob into many individually AEAD-sealed frames, each
// bound to the trusted-counter window the manifest already established
// the convention for (internal/manifest).
package metadatalog

import (
	"encoding/binary"
	"fmt"
)

// EntryKind discriminates what a metadata log entry describes (spec §3.1
// "Metadata log entry": "object size/tag changes, free-list updates,
// allocator bookkeeping").
type EntryKind uint8

const (
	KindObjectMeta EntryKind = iota // object (offset,tag,size) update
	KindFreeList                    // free-list insert/remove
	KindAllocator                   // allocator bookkeeping (internal/alloc)
)

// Entry is one decoded metadata log record.
type Entry struct {
	Kind  EntryKind
	Key   uint64 // object offset, or free-list bucket id, depending on Kind
	Value []byte
}

const entryHeaderSize = 1 + 8 + 4 // kind + key + len(Value)

func encodeEntry(e Entry, dst []byte) []byte {
	var hdr [entryHeaderSize]byte
	hdr[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(hdr[1:9], e.Key)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(e.Value)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Value...)
	return dst
}

func decodeEntry(buf []byte) (Entry, int, error) {
	if len(buf) < entryHeaderSize {
		return Entry{}, 0, fmt.Errorf("metadatalog: truncated entry header")
	}

	kind := EntryKind(buf[0])
	key := binary.LittleEndian.Uint64(buf[1:9])
	valLen := int(binary.LittleEndian.Uint32(buf[9:13]))

	if len(buf) < entryHeaderSize+valLen {
		return Entry{}, 0, fmt.Errorf("metadatalog: truncated entry value")
	}

	value := make([]byte, valLen)
	copy(value, buf[entryHeaderSize:entryHeaderSize+valLen])

	return Entry{Kind: kind, Key: key, Value: value}, entryHeaderSize + valLen, nil
}

// chunkHeaderSize is the size of the authenticated (but unencrypted-from-
// the-rest-of-plaintext -- it's all one AEAD plaintext) header prefixed to
// every batch of entries sealed together: tcvStart (the ML-end tcv of the
// first entry in the batch) and count.
const chunkHeaderSize = 8 + 8

func encodeChunk(tcvStart uint64, entries []Entry) []byte {
	buf := make([]byte, chunkHeaderSize, chunkHeaderSize+64*len(entries))
	binary.LittleEndian.PutUint64(buf[0:8], tcvStart)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(entries)))

	for _, e := range entries {
		buf = encodeEntry(e, buf)
	}

	return buf
}

func decodeChunk(plaintext []byte) (tcvStart uint64, entries []Entry, err error) {
	if len(plaintext) < chunkHeaderSize {
		return 0, nil, fmt.Errorf("metadatalog: truncated chunk header")
	}

	tcvStart = binary.LittleEndian.Uint64(plaintext[0:8])
	count := binary.LittleEndian.Uint64(plaintext[8:16])

	rest := plaintext[chunkHeaderSize:]
	entries = make([]Entry, 0, count)

	for i := uint64(0); i < count; i++ {
		e, n, err := decodeEntry(rest)
		if err != nil {
			return 0, nil, err
		}
		entries = append(entries, e)
		rest = rest[n:]
	}

	return tcvStart, entries, nil
}
