// Package counter implements the trusted-counter bank: a small table of
// monotone counters, persisted with an emulated stabilization delay, used as
// freshness nonces by the manifest and the metadata log (spec §4.2).
//
// The file layout and the single-writer-thread-publishes-a-watermark design
// are grounded on the teacher's advisory-locking discipline
// (pkg/fs.Locker) and its seqlock-guarded mmap header
// (calvinalkan/agent-task's pkg/slotcache, read for its generation-counter
// pattern — not copied, since its format is a keyed hash table, not a flat
// counter array). Per spec.md §9 "Busy-wait delay counter", the literal
// `for`-loop delay is NOT ported; instead a single background goroutine
// publishes a "stable up to X" watermark on a bounded ticker, and
// WaitStable blocks until that watermark catches up.
package counter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anchor-go/anchor/internal/mmap"
	"github.com/anchor-go/anchor/pkg/fs"
)

// Indices 0/1 belong to the manifest (start/end); 2/3 to the metadata log
// (end/start); 4..4+6*nlanes-1 to the ulog chains, per spec §4.2 and §6.
const (
	ManifestStartIdx = 0
	ManifestEndIdx   = 1
	MLEndIdx         = 2
	MLStartIdx       = 3

	// firstLaneIdx is where the per-lane ulog counter pairs begin. Each lane
	// owns 3 chains (undo, external redo, internal redo) * 2 counters
	// (start, end) = 6 slots.
	firstLaneIdx   = 4
	slotsPerLane   = 6
	maxCountersCap = 2048
)

// LaneCounterIdx returns the (start, end) counter indices for the given
// lane and log kind (0=undo, 1=external redo, 2=internal redo), per spec
// §3.1 "Each chain owns a trusted-counter pair (start_counter, end_counter)
// addressed by (lane, log_kind)".
func LaneCounterIdx(lane, logKind int) (start, end int) {
	base := firstLaneIdx + lane*slotsPerLane + logKind*2
	return base, base + 1
}

// ErrInvalid reports a missing or malformed counter file (spec §7: "Counter
// file missing or malformed" -> "Open fails unless creating").
var ErrInvalid = errors.New("counter: invalid counters file")

const (
	fileMagic     uint64 = 0x414e43484f524354 // "ANCHORCT"
	flushInterval        = 2 * time.Millisecond
)

// Bank is a process-global, mmap-backed table of monotone counters.
type Bank struct {
	mu     sync.RWMutex
	values []atomic.Uint64
	stable []atomic.Uint64

	maxCounters int
	file        fs.File
	data        []byte // mmap'd region: maxCounters+1 uint64 slots

	logger *log.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// LoadAll opens (creating if necessary) the counters file at path and maps
// it into memory, starting the background stabilization-watermark writer.
// maxCounters must be large enough to cover the manifest, metadata log, and
// every lane's six ulog counters (4 + 6*nlanes).
func LoadAll(fsys fs.FS, path string, maxCounters int, logger *log.Logger) (*Bank, error) {
	if maxCounters < firstLaneIdx || maxCounters > maxCountersCap {
		return nil, fmt.Errorf("counter: maxCounters %d out of range", maxCounters)
	}

	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}

	slotCount := maxCounters + 1 // +1 for the sentinel/EOF slot, per spec §6
	fileSize := int64(slotCount * 8)

	file, created, err := openOrCreate(fsys, path, fileSize)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(int(file.Fd()), int(fileSize), true)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("counter: mmap: %w", err)
	}

	b := &Bank{
		values:      make([]atomic.Uint64, maxCounters),
		stable:      make([]atomic.Uint64, maxCounters),
		maxCounters: maxCounters,
		file:        file,
		data:        data,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	if created {
		writeUint64(b.data, maxCounters, fileMagic)
		if err := mmap.Sync(b.data); err != nil {
			_ = b.Close()
			return nil, err
		}
	} else {
		if readUint64(b.data, maxCounters) != fileMagic {
			_ = b.Close()
			return nil, fmt.Errorf("%w: bad sentinel", ErrInvalid)
		}

		for i := 0; i < maxCounters; i++ {
			v := readUint64(b.data, i)
			b.values[i].Store(v)
			b.stable[i].Store(v)
		}
	}

	b.wg.Add(1)
	go b.writerLoop()

	return b, nil
}

func openOrCreate(fsys fs.FS, path string, size int64) (fs.File, bool, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, false, fmt.Errorf("counter: stat: %w", err)
	}

	file, err := fsys.OpenFile(path, osRDWRCreate, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("counter: open: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, fmt.Errorf("counter: stat: %w", err)
	}

	if info.Size() == 0 {
		if err := truncate(file, size); err != nil {
			_ = file.Close()
			return nil, false, fmt.Errorf("counter: grow: %w", err)
		}
		exists = false
	} else if info.Size() != size {
		_ = file.Close()
		return nil, false, fmt.Errorf("%w: size %d != expected %d", ErrInvalid, info.Size(), size)
	}

	return file, !exists, nil
}

// CreateAt sets counter idx's initial value if this is the first time it is
// observed (value currently zero). It is a no-op
// if the counter already carries a value, so recovery across restarts is
// idempotent.
func (b *Bank) CreateAt(idx int, init uint64) error {
	if err := b.checkIdx(idx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.values[idx].Load() == 0 {
		b.values[idx].Store(init)
	}

	return nil
}

// Get returns the current (possibly not-yet-stable) value of counter idx.
func (b *Bank) Get(idx int) (uint64, error) {
	if err := b.checkIdx(idx); err != nil {
		return 0, err
	}

	return b.values[idx].Load(), nil
}

// Set overwrites counter idx's value under the bank's write lock.
func (b *Bank) Set(idx int, v uint64) error {
	if err := b.checkIdx(idx); err != nil {
		return err
	}

	b.mu.Lock()
	b.values[idx].Store(v)
	b.mu.Unlock()

	return nil
}

// Inc atomically increments counter idx and returns the new value. Per
// spec §4.2, increments take the bank's read-side lock (so many concurrent
// increments proceed without serializing against each other) and use an
// atomic fetch-add for the value itself; only Set/rehash-style mutations
// and the background flush take the write side.
func (b *Bank) Inc(idx int) (uint64, error) {
	if err := b.checkIdx(idx); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.values[idx].Add(1), nil
}

// StableAtLeast reports whether counter idx's durable (flushed) value is
// at least v.
func (b *Bank) StableAtLeast(idx int, v uint64) (bool, error) {
	if err := b.checkIdx(idx); err != nil {
		return false, err
	}

	return b.stable[idx].Load() >= v, nil
}

// WaitStable blocks until StableAtLeast(idx, v) is true or ctx is done.
// This implements spec §4.2's commit requirement: "a commit wait until
// stable_at_least(manifest_end_idx, committed_tcv) before reporting success
// to the user."
func (b *Bank) WaitStable(ctx context.Context, idx int, v uint64) error {
	ok, err := b.StableAtLeast(idx, v)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	ticker := time.NewTicker(flushInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := b.StableAtLeast(idx, v)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// PersistAll forces an immediate flush of live values to the mmapped file
// and to the stable[] snapshot, outside the background ticker's cadence.
// Used by Pool.Close (spec §4.6.1) and by the recovery coordinator after
// finalizing each lane (spec §4.8 "Persist counters manually once per lane
// recovered").
func (b *Bank) PersistAll() error {
	b.flush()
	return mmap.Sync(b.data)
}

// Close stops the background writer, flushes once more, and unmaps/closes
// the file.
func (b *Bank) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	flushErr := b.PersistAll()
	unmapErr := mmap.Unmap(b.data)
	closeErr := b.file.Close()

	return errorsJoin(flushErr, unmapErr, closeErr)
}

func (b *Bank) writerLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush mirrors the live counters into the mmapped file and into the
// stable[] snapshot used by StableAtLeast. Runs under the write side of the
// lock, per spec §4.2.
func (b *Bank) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.maxCounters; i++ {
		v := b.values[i].Load()
		writeUint64(b.data, i, v)
		b.stable[i].Store(v)
	}

	if err := mmap.Sync(b.data); err != nil {
		b.logger.Printf("counter: flush sync failed: %v", err)
	}
}

func (b *Bank) checkIdx(idx int) error {
	if idx < 0 || idx >= b.maxCounters {
		return fmt.Errorf("counter: index %d out of range [0,%d)", idx, b.maxCounters)
	}
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func errorsJoin(errs ...error) error {
	var joined []error
	for _, e := range errs {
		if e != nil {
			joined = append(joined, e)
		}
	}
	if len(joined) == 0 {
		return nil
	}
	return fmt.Errorf("counter: %v", joined)
}
