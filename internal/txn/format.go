// Package txn implements the per-lane transaction engine: three ulog
// chains (undo, external redo, internal redo) and a snapshot range tree
// per lane, driving the begin/work/commit-or-abort state machine (spec
// §4.7).
//
// Grounded on internal/store/tx.go's begin-locks-recovers-then-buffers-
// then-commits-in-order discipline (one exclusive fs.Locker per
// transaction, ops buffered until Commit, idempotent Rollback) and on
// internal/metadatalog's AEAD-chunked streaming journal for the ulog
// chains themselves — a lane's undo/redo chain is the same
// length-prefixed, AEAD-sealed, bufio-streamed append log, just without
// the checkpoint/apply split (a chain is invalidated wholesale at
// commit/abort rather than drained entry by entry).
package txn

import (
	"encoding/binary"
	"fmt"
)

// Op discriminates what a ulog chain entry does to the target object's
// plaintext (spec §4.7.2 "BufEntry" and §4.7.3 "redo SET/AND/OR").
type Op uint8

const (
	// OpSnapshot is an undo-chain BufEntry: the plaintext that stood at
	// [Offset,Offset+Size) before the in-progress transaction touched it.
	OpSnapshot Op = iota
	// OpSet overwrites [Offset,Offset+len(Payload)) with Payload.
	OpSet
	// OpAnd bitwise-ANDs Payload into the target range (allocator bitmap
	// clear). BitmapBase is the enclosing bitmap object's offset.
	OpAnd
	// OpOr bitwise-ORs Payload into the target range (allocator bitmap
	// set). BitmapBase is the enclosing bitmap object's offset.
	OpOr
)

// Entry is one decoded ulog chain record.
type Entry struct {
	Op         Op
	Offset     uint64
	Size       uint64
	BitmapBase uint64 // meaningful for OpAnd/OpOr only
	TCV        uint64 // the chain's end-counter value this entry was appended under
	Payload    []byte
}

// entryHeaderSize is op + offset + size + bitmapBase + tcv + len(payload).
const entryHeaderSize = 1 + 8 + 8 + 8 + 8 + 4

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Payload))

	buf[0] = byte(e.Op)
	binary.LittleEndian.PutUint64(buf[1:9], e.Offset)
	binary.LittleEndian.PutUint64(buf[9:17], e.Size)
	binary.LittleEndian.PutUint64(buf[17:25], e.BitmapBase)
	binary.LittleEndian.PutUint64(buf[25:33], e.TCV)
	binary.LittleEndian.PutUint32(buf[33:37], uint32(len(e.Payload)))
	copy(buf[entryHeaderSize:], e.Payload)

	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < entryHeaderSize {
		return Entry{}, fmt.Errorf("txn: truncated ulog entry header")
	}

	var e Entry
	e.Op = Op(buf[0])
	e.Offset = binary.LittleEndian.Uint64(buf[1:9])
	e.Size = binary.LittleEndian.Uint64(buf[9:17])
	e.BitmapBase = binary.LittleEndian.Uint64(buf[17:25])
	e.TCV = binary.LittleEndian.Uint64(buf[25:33])

	plen := int(binary.LittleEndian.Uint32(buf[33:37]))
	if len(buf) < entryHeaderSize+plen {
		return Entry{}, fmt.Errorf("txn: truncated ulog entry payload")
	}

	e.Payload = append([]byte(nil), buf[entryHeaderSize:entryHeaderSize+plen]...)

	return e, nil
}

// genNumAD encodes a chain's generation number as AEAD associated data.
// Every entry is sealed under the chain's current generation; bumping the
// generation (Chain.Invalidate) makes every previously-sealed entry fail
// to authenticate without touching its bytes, which is the Go rewrite's
// version of "undo replay checks gen_num as part of the BufEntry
// checksum, so stale entries never replay" (spec §4.7.7) — paired here
// with Invalidate also truncating the file, so there is nothing stale
// left to even attempt replaying.
func genNumAD(gen uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], gen)
	return b[:]
}
