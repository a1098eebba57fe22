package manifest

import (
	"encoding/binary"
)

// SlotSize is the on-disk size of one manifest slot: a 48-byte
// authenticated plaintext record, AEAD-sealed into a 48-byte ciphertext
// plus a 16-byte tag (spec §4.4.1: "Each manifest slot is exactly 64
// bytes").
const SlotSize = 64

const (
	plaintextSize = SlotSize - 16 // 48 bytes: ciphertext is length-preserving
)

// RecordType discriminates the five manifest record shapes (spec §3.1
// "Manifest entry").
type RecordType uint8

const (
	UndoObject RecordType = iota
	RedoObject
	UlogObject
	AtomicObject
	TxInfo
)

// TxInfoKind enumerates the TX_INFO lifecycle sub-events.
type TxInfoKind uint8

const (
	TxStart TxInfoKind = iota
	TxCommit
	TxAbort
	TxRecRedo
	TxRecUndo
	TxFinish
	TxUlogHdrUpdate
)

// NoLane marks a record published directly to the EPC rather than
// attached to a lane's temp list (spec §4.4.3: "Same types with
// tx_lane_id == NLANES -> publish directly into EPC").
const NoLane = 0xFF

// Record is the decoded, in-memory form of one manifest slot. Not every
// field is meaningful for every Type; see the per-type notes below.
type Record struct {
	Type RecordType
	Lane uint8 // object records: owning lane, or NoLane; TxInfo: the lane this lifecycle event belongs to

	// UndoObject / RedoObject / UlogObject / AtomicObject
	Offset  uint64
	Tag     [16]byte
	Size    uint64
	Invalid bool // AtomicObject: "carries snapshot when invalid-bit set" (spec §3.1)

	// TxInfo
	TxKind TxInfoKind

	// TCV is the trusted counter value this record was appended under.
	// Authenticated as part of the plaintext so scan can verify it matches
	// the slot's position in the counter sequence (spec §4.4.1 structural
	// invariant).
	TCV uint64
}

// encode packs a Record into the 48-byte authenticated plaintext layout.
func encode(r Record) [plaintextSize]byte {
	var buf [plaintextSize]byte

	buf[0] = byte(r.Type)
	buf[1] = r.Lane
	if r.Invalid {
		buf[2] = 1
	}
	buf[3] = byte(r.TxKind)

	binary.LittleEndian.PutUint64(buf[4:12], r.Offset)
	copy(buf[12:28], r.Tag[:])
	binary.LittleEndian.PutUint64(buf[28:36], r.Size)
	binary.LittleEndian.PutUint64(buf[36:44], r.TCV)
	// buf[44:48] reserved, left zero.

	return buf
}

func decode(buf [plaintextSize]byte) Record {
	var r Record

	r.Type = RecordType(buf[0])
	r.Lane = buf[1]
	r.Invalid = buf[2] != 0
	r.TxKind = TxInfoKind(buf[3])
	r.Offset = binary.LittleEndian.Uint64(buf[4:12])
	copy(r.Tag[:], buf[12:28])
	r.Size = binary.LittleEndian.Uint64(buf[28:36])
	r.TCV = binary.LittleEndian.Uint64(buf[36:44])

	return r
}
