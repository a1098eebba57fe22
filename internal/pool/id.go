package pool

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ObjID identifies one persistent object: the pool it lives in plus its
// byte offset within that pool's heap (spec §3.1 "PObjId").
//
// PoolID is a github.com/google/uuid.UUID rather than a bare uint64: the
// spec's "pool_id is the pool's UUID-low word" (§3.1) is implemented here
// by taking the UUID's low 8 bytes as the 64-bit value every other
// package (AEAD AAD, manifest records, ulog chains) actually binds to.
type ObjID struct {
	PoolID uuid.UUID
	Offset uint64
}

// poolIDWord returns the low 8 bytes of id, the 64-bit pool_id the rest of
// the trusted core uses as AEAD associated data and manifest/ulog binding.
func poolIDWord(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[8:16])
}
