// Package manifest implements the manifest: the append-only, trusted-counter
// -bound authenticated journal of every object mutation and transaction
// lifecycle event (spec §4.4).
//
// Grounded on calvinalkan/agent-task's pkg/slotcache for the mmap'd,
// header-plus-fixed-slot-array file shape (a magic-stamped header record
// followed by a flat array of fixed-size slots, opened via fs.FS and grown
// with File.Stat+truncate before mapping) and on internal/store/wal.go for
// the append-under-a-single-writer-mutex discipline. The per-slot AEAD
// framing and the trusted-counter-bound freshness window are this package's
// own, grounded on original_source's manifest_operations.c.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/mmap"
	"github.com/anchor-go/anchor/pkg/fs"
)

const (
	headerSize  = SlotSize // the header occupies one slot-sized block
	headerMagic = uint64(0x414e43484f524d46) // "ANCHORMF"

	// compactThresholdNum/Den is the occupancy fraction (spec §4.4.4:
	// "triggered when occupancy crosses ~70%") that causes Append to invoke
	// the installed compaction trigger once per crossing.
	compactThresholdNum = 7
	compactThresholdDen = 10
)

// ErrFull is returned by Append when the manifest has no free slots left
// and compaction has not freed any (spec §7: "Manifest full, compaction
// can't proceed" -> "Block new transactions").
var ErrFull = errors.New("manifest: full")

// ErrCorrupt reports a structural invariant violation found during Scan:
// a bad tag, an out-of-sequence tcv, or a slot outside the file.
var ErrCorrupt = errors.New("manifest: corrupt")

// Manifest is one open manifest file bound to a single pool and trusted
// counter bank.
type Manifest struct {
	mu sync.Mutex

	cipher *aead.Cipher
	poolID [8]byte
	bank   *counter.Bank

	fsys fs.FS
	path string
	file fs.File
	data []byte

	capacity int    // slot count, excluding the header block
	baseTCV  uint64 // tcv represented by slot index 0 in this file

	compacting   atomic.Bool
	onThreshold  func(m *Manifest) // installed by the pool layer to kick off async compaction
	onThresholdMu sync.Mutex
}

// Open opens (creating if necessary) the manifest file at path, bound to
// poolID and cipher, backed by counter bank bank. capacity is the slot
// count to allocate on creation; an existing file's capacity is read from
// its header and must not shrink.
func Open(fsys fs.FS, path string, cipher *aead.Cipher, poolID uint64, bank *counter.Bank, capacity int) (*Manifest, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("manifest: capacity must be > 0, got %d", capacity)
	}

	fileSize := int64(headerSize + capacity*SlotSize)

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat: %w", err)
	}

	file, err := fsys.OpenFile(path, osRDWRCreate, 0o600)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("manifest: stat: %w", err)
	}

	if !exists || info.Size() == 0 {
		if err := truncateFile(file, fileSize); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("manifest: grow: %w", err)
		}
	} else if info.Size() < int64(headerSize) {
		_ = file.Close()
		return nil, fmt.Errorf("%w: file too small for header", ErrCorrupt)
	}

	actualSize := info.Size()
	if !exists || actualSize == 0 {
		actualSize = fileSize
	}

	data, err := mmap.Map(int(file.Fd()), int(actualSize), true)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("manifest: mmap: %w", err)
	}

	m := &Manifest{
		cipher: cipher,
		bank:   bank,
		fsys:   fsys,
		path:   path,
		file:   file,
		data:   data,
	}
	binary.BigEndian.PutUint64(m.poolID[:], poolID)

	if !exists {
		m.capacity = capacity
		m.baseTCV = 0
		m.writeHeader()
		if err := mmap.Sync(m.data); err != nil {
			_ = m.Close()
			return nil, err
		}
		if err := bank.CreateAt(counter.ManifestStartIdx, 0); err != nil {
			_ = m.Close()
			return nil, err
		}
		if err := bank.CreateAt(counter.ManifestEndIdx, 0); err != nil {
			_ = m.Close()
			return nil, err
		}
	} else {
		if err := m.readHeader(); err != nil {
			_ = m.Close()
			return nil, err
		}
		if int64(headerSize+m.capacity*SlotSize) != actualSize {
			_ = m.Close()
			return nil, fmt.Errorf("%w: header capacity %d disagrees with file size %d", ErrCorrupt, m.capacity, actualSize)
		}
	}

	return m, nil
}

func (m *Manifest) writeHeader() {
	binary.LittleEndian.PutUint64(m.data[0:8], headerMagic)
	binary.LittleEndian.PutUint64(m.data[8:16], m.baseTCV)
	binary.LittleEndian.PutUint64(m.data[16:24], uint64(m.capacity))
}

func (m *Manifest) readHeader() error {
	if binary.LittleEndian.Uint64(m.data[0:8]) != headerMagic {
		return fmt.Errorf("%w: bad header magic", ErrCorrupt)
	}
	m.baseTCV = binary.LittleEndian.Uint64(m.data[8:16])
	m.capacity = int(binary.LittleEndian.Uint64(m.data[16:24]))
	return nil
}

// SetCompactionTrigger installs the callback Append invokes (at most once
// per threshold crossing, latched until the in-flight Compact call clears
// it) when occupancy passes compactThresholdNum/Den. f is called with
// m.mu held, so it must hand off to Compact asynchronously (e.g. `go
// m.Compact(cache)`) rather than calling it inline.
func (m *Manifest) SetCompactionTrigger(f func(m *Manifest)) {
	m.onThresholdMu.Lock()
	m.onThreshold = f
	m.onThresholdMu.Unlock()
}

// BaseTCV returns the tcv represented by this file's slot 0.
func (m *Manifest) BaseTCV() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseTCV
}

// Capacity returns the manifest's slot count.
func (m *Manifest) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

// Append seals rec, assigns it the next manifest-end tcv, and writes it
// into the next free slot (spec §4.4.2). The record's TCV field is
// overwritten by Append; callers set every other field.
//
// Returns ErrFull if the file has no slot left for this tcv; the caller
// (normally the transaction engine, via the pool layer) must have already
// triggered and waited for compaction before retrying.
func (m *Manifest) Append(rec Record) (tcv uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tcv, slotIdx, err := m.appendLocked(rec)
	if err != nil {
		return tcv, err
	}

	m.maybeTriggerCompaction(slotIdx)

	return tcv, nil
}

// appendLocked does the actual counter-fetch-and-write for Append and for
// the compactor's re-journaling pass. Callers must hold m.mu (or, for a
// manifest instance not yet reachable from any other goroutine — as with
// the compactor's temp file — may call it unsynchronized).
func (m *Manifest) appendLocked(rec Record) (tcv uint64, slotIdx int, err error) {
	tcv, err = m.bank.Inc(counter.ManifestEndIdx)
	if err != nil {
		return 0, 0, err
	}

	slotIdx = int(tcv-m.baseTCV) - 1
	if slotIdx < 0 || slotIdx >= m.capacity {
		return tcv, slotIdx, fmt.Errorf("%w: slot %d out of [0,%d)", ErrFull, slotIdx, m.capacity)
	}

	rec.TCV = tcv

	if err := m.writeSlot(slotIdx, rec); err != nil {
		return tcv, slotIdx, err
	}

	return tcv, slotIdx, nil
}

func (m *Manifest) writeSlot(slotIdx int, rec Record) error {
	plaintext := encode(rec)
	byteOffset := headerSize + slotIdx*SlotSize

	iv := aead.IV(0, uint64(byteOffset))
	ciphertext, tag, err := m.cipher.Seal(iv[:], m.poolID[:], plaintext[:])
	if err != nil {
		return fmt.Errorf("manifest: seal: %w", err)
	}

	copy(m.data[byteOffset:byteOffset+len(ciphertext)], ciphertext)
	copy(m.data[byteOffset+len(ciphertext):byteOffset+SlotSize], tag)

	if err := mmap.Sync(m.data[byteOffset : byteOffset+SlotSize]); err != nil {
		return fmt.Errorf("manifest: sync slot %d: %w", slotIdx, err)
	}

	return nil
}

func (m *Manifest) maybeTriggerCompaction(slotIdx int) {
	if (slotIdx+1)*compactThresholdDen < m.capacity*compactThresholdNum {
		return
	}
	if !m.compacting.CompareAndSwap(false, true) {
		return
	}

	m.onThresholdMu.Lock()
	f := m.onThreshold
	m.onThresholdMu.Unlock()

	if f == nil {
		m.compacting.Store(false)
		return
	}

	f(m)
}

// readSlot decrypts and decodes the slot at slotIdx, verifying its tcv
// matches expectedTCV.
func (m *Manifest) readSlot(slotIdx int, expectedTCV uint64) (Record, error) {
	if slotIdx < 0 || slotIdx >= m.capacity {
		return Record{}, fmt.Errorf("%w: slot %d out of [0,%d)", ErrCorrupt, slotIdx, m.capacity)
	}

	byteOffset := headerSize + slotIdx*SlotSize
	ciphertext := m.data[byteOffset : byteOffset+plaintextSize]
	tag := m.data[byteOffset+plaintextSize : byteOffset+SlotSize]

	iv := aead.IV(0, uint64(byteOffset))
	plaintext, err := m.cipher.Open(iv[:], m.poolID[:], ciphertext, tag)
	if err != nil {
		return Record{}, fmt.Errorf("%w: slot %d: %v", ErrCorrupt, slotIdx, err)
	}

	var buf [plaintextSize]byte
	copy(buf[:], plaintext)
	rec := decode(buf)

	if rec.TCV != expectedTCV {
		return Record{}, fmt.Errorf("%w: slot %d tcv %d != expected %d", ErrCorrupt, slotIdx, rec.TCV, expectedTCV)
	}

	return rec, nil
}

// Close unmaps and closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unmapErr := mmap.Unmap(m.data)
	closeErr := m.file.Close()

	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

const osRDWRCreate = os.O_RDWR | os.O_CREATE

func truncateFile(file fs.File, size int64) error {
	return syscall.Ftruncate(int(file.Fd()), size)
}
