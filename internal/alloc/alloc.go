// Package alloc provides the minimal reservation/publish allocator that
// stands in for Anchor's bucket/run allocator (explicitly out of scope —
// see spec §1 Non-goals). It exists only so internal/pool and
// internal/txn have something real to drive end to end: Reserve carves
// out heap space that is not yet visible to anyone, Publish commits it,
// Cancel gives it back unused, and Free returns space a commit released.
//
// There is nothing in the example pack to ground a bucket/run allocator
// on without reimplementing the very subsystem the spec scopes out, so
// this is a plain first-fit free list over a bump-allocated heap —
// stdlib only, no third-party dependency (see DESIGN.md).
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOOM is returned by Reserve when no free block and no remaining bump
// space can satisfy the request (spec's "OOM in allocator publish" ->
// txn.ErrCanceled at the pool/txn layer; this package just reports the
// underlying cause).
var ErrOOM = errors.New("alloc: out of memory")

// ErrInvalid reports a Cancel/Publish call against an offset that is not
// currently reserved, or a Reserve/Free call with a zero size. Free does not
// check its offset.
var ErrInvalid = errors.New("alloc: invalid offset")

type block struct {
	offset uint64
	size   uint64
}

// Allocator is the reservation/publish/free contract pool.Pool and
// txn.Engine use to carve up the heap region of a pool's address space
// (spec §4.6.5).
type Allocator interface {
	Reserve(size uint64) (offset uint64, err error)
	Publish(offset uint64) error
	Cancel(offset uint64) error
	Free(offset, size uint64) error
}

// BumpFreeList is the reference Allocator: a bump pointer over untouched
// heap space backed by a first-fit free list for reclaimed blocks.
type BumpFreeList struct {
	mu sync.Mutex

	heapSize uint64
	next     uint64

	free     []block
	reserved map[uint64]uint64
}

// New builds a BumpFreeList over a heap of heapSize bytes (spec §4.6a
// "Layout.HeapSize").
func New(heapSize uint64) *BumpFreeList {
	return &BumpFreeList{
		heapSize: heapSize,
		reserved: make(map[uint64]uint64),
	}
}

// Reserve carves out size bytes, preferring a first-fit match from the
// free list before falling back to bumping the heap's high-water mark.
// The returned offset is not visible to readers until Publish is called
// with it (spec §4.6.5 step 1: "Reserve space without making it visible").
func (a *BumpFreeList) Reserve(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: size must be > 0", ErrInvalid)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.free {
		if b.size >= size {
			offset := b.offset
			a.removeFreeAt(i)

			if b.size > size {
				a.free = append(a.free, block{offset: offset + size, size: b.size - size})
			}

			a.reserved[offset] = size
			return offset, nil
		}
	}

	if a.heapSize-a.next < size {
		return 0, fmt.Errorf("%w: requested %d, remaining %d", ErrOOM, size, a.heapSize-a.next)
	}

	offset := a.next
	a.next += size
	a.reserved[offset] = size

	return offset, nil
}

// Publish commits a reservation as live. The allocator does no further
// bookkeeping for it — liveness from here on is tracked by the EPC and
// the manifest (spec §4.6.5 step 4).
func (a *BumpFreeList) Publish(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[offset]; !ok {
		return fmt.Errorf("%w: offset %d not reserved", ErrInvalid, offset)
	}

	delete(a.reserved, offset)
	return nil
}

// Cancel releases a reservation that was never published, returning its
// space to the free list (spec §4.6.5's abort path: "Reservations from
// aborted transactions are released, never published").
func (a *BumpFreeList) Cancel(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.reserved[offset]
	if !ok {
		return fmt.Errorf("%w: offset %d not reserved", ErrInvalid, offset)
	}

	delete(a.reserved, offset)
	a.free = append(a.free, block{offset: offset, size: size})

	return nil
}

// Free returns a previously-published block to the free list (spec
// §4.6.5's free path, used by Pool.Free after the owning transaction
// commits the deallocation).
func (a *BumpFreeList) Free(offset, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: size must be > 0", ErrInvalid)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.free = append(a.free, block{offset: offset, size: size})

	return nil
}

func (a *BumpFreeList) removeFreeAt(i int) {
	a.free[i] = a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
}
