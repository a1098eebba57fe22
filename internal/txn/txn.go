package txn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/alloc"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/epc"
	"github.com/anchor-go/anchor/internal/manifest"
	"github.com/anchor-go/anchor/pkg/fs"
)

// LanePrimaryAttempts bounds how many lanes Begin tries before reassigning
// an affinity's sticky primary index to a new lane (spec §4.7.1 "primary
// stickiness bounded by LANE_PRIMARY_ATTEMPTS").
const LanePrimaryAttempts = 4

// ErrCanceled reports a transaction aborted for resource exhaustion (spec
// §7 "Out-of-memory in allocator publish" -> "Transaction aborts with
// ECANCELED").
var ErrCanceled = errors.New("txn: canceled")

// ErrInvalid reports a transaction aborted for a bad argument (spec §7
// "Snapshot size > max alloc size" / "Snapshot outside pool heap range"
// -> "Transaction aborts with EINVAL").
var ErrInvalid = errors.New("txn: invalid argument")

// ErrWrongStage reports a lane operation attempted outside the stage it
// requires (spec §7 "Lane held for wrong stage" -> "Fatal (programmer
// error)").
var ErrWrongStage = errors.New("txn: lane held for wrong stage")

// Stage is a lane's position in the begin/work/commit-or-abort state
// machine (spec §4.7.1).
type Stage int

const (
	StageNone Stage = iota
	StageWork
	StageOnCommit
	StageOnAbort
)

const (
	chainUndo         = 0
	chainExternalRedo = 1
	chainInternalRedo = 2
)

type undoObjectID struct {
	offset uint64
	tag    [16]byte
	size   uint64
	isNew  bool
}

type pendingOp struct {
	offset     uint64
	op         Op
	value      []byte
	bitmapBase uint64
}

// Lane is one of the pool's fixed transaction slots: its own undo,
// external-redo and internal-redo ulog chains, its own snapshot range
// tree, and the temp lists that buffer a WORK-stage transaction's effect
// until commit or abort resolves it (spec §4.7, §3.1 "Transaction state
// (per lane)").
type Lane struct {
	id int
	mu sync.Mutex

	nestCount int
	stage     Stage
	readEpoch atomic.Uint64

	ranges rangeTree

	undoChain, extRedoChain, intRedoChain *Chain

	undoObjectIDs   []undoObjectID
	pendingOps      []pendingOp
	reservedOffsets []uint64
}

// Sealer bridges the transaction engine to the pool's object codec: it
// encrypts an object's current plaintext under its own tag and streams
// the result to PM (spec §4.7.5 step 6, "encrypt under its oid and
// stream to PM"). internal/pool supplies the concrete implementation;
// this package only needs the result, not how object pages are laid out.
type Sealer interface {
	Reseal(offset uint64, plaintext []byte) (tag [16]byte, err error)
}

// Engine owns every lane for one open pool, plus the shared manifest,
// EPC, counter bank and allocator the lanes drive.
type Engine struct {
	lanes []*Lane

	manifest *manifest.Manifest
	cache    *epc.Cache
	bank     *counter.Bank
	allocr   alloc.Allocator
	sealer   Sealer

	poolID       uint64
	heapSize     uint64
	maxAllocSize uint64

	roundRobin atomic.Uint64
}

// Open builds an Engine with nlanes lanes, each backed by its own three
// ulog chain files under dir (named lane-<n>-{undo,extredo,intredo}), and
// wires the EPC's min-active-epoch function to the lanes' read epochs
// (spec §3.1 "Global epoch clock").
func Open(fsys fs.FS, dir string, cipher *aead.Cipher, poolID uint64, bank *counter.Bank, m *manifest.Manifest, cache *epc.Cache, allocr alloc.Allocator, sealer Sealer, nlanes int, heapSize, maxAllocSize uint64) (*Engine, error) {
	e := &Engine{
		manifest:     m,
		cache:        cache,
		bank:         bank,
		allocr:       allocr,
		sealer:       sealer,
		poolID:       poolID,
		heapSize:     heapSize,
		maxAllocSize: maxAllocSize,
	}

	for i := 0; i < nlanes; i++ {
		lane := &Lane{id: i}
		lane.readEpoch.Store(epc.IdleEpoch)

		var err error
		lane.undoChain, err = openNamedChain(fsys, dir, i, "undo", chainUndo, cipher, poolID, bank)
		if err != nil {
			return nil, err
		}
		lane.extRedoChain, err = openNamedChain(fsys, dir, i, "extredo", chainExternalRedo, cipher, poolID, bank)
		if err != nil {
			return nil, err
		}
		lane.intRedoChain, err = openNamedChain(fsys, dir, i, "intredo", chainInternalRedo, cipher, poolID, bank)
		if err != nil {
			return nil, err
		}

		e.lanes = append(e.lanes, lane)
	}

	cache.SetMinEpochFunc(e.minActiveEpoch)

	return e, nil
}

func openNamedChain(fsys fs.FS, dir string, lane int, name string, logKind int, cipher *aead.Cipher, poolID uint64, bank *counter.Bank) (*Chain, error) {
	startIdx, endIdx := counter.LaneCounterIdx(lane, logKind)
	path := filepath.Join(dir, fmt.Sprintf("lane-%d-%s", lane, name))

	return OpenChain(fsys, path, cipher, poolID, bank, startIdx, endIdx)
}

// minActiveEpoch scans every lane's read epoch (IdleEpoch for lanes
// holding no transaction) and returns the minimum, the bound the EPC
// evictor uses to decide which cached plaintext is safe to drop (spec
// §3.1 "the min epoch across active lanes bounds safe cache eviction").
func (e *Engine) minActiveEpoch() uint64 {
	min := epc.IdleEpoch
	for _, lane := range e.lanes {
		if v := lane.readEpoch.Load(); v < min {
			min = v
		}
	}
	return min
}

// NumLanes returns the engine's lane count.
func (e *Engine) NumLanes() int { return len(e.lanes) }

// Cache returns the engine's EPC, for the recovery coordinator to install
// replayed entries directly into (spec §4.8).
func (e *Engine) Cache() *epc.Cache { return e.cache }

// Bank returns the engine's counter bank.
func (e *Engine) Bank() *counter.Bank { return e.bank }

// Manifest returns the engine's manifest.
func (e *Engine) Manifest() *manifest.Manifest { return e.manifest }

// ReplayUndo calls fn for every entry currently in lane laneIdx's undo
// chain, in append order (spec §4.8 "undo-replay the undo chain").
func (e *Engine) ReplayUndo(laneIdx int, fn func(Entry) error) error {
	return e.lanes[laneIdx].undoChain.Scan(fn)
}

// ReplayExternalRedo calls fn for every entry currently in lane laneIdx's
// external-redo chain, in append order (spec §4.8
// "sec_ulog_process_persistent_redo").
func (e *Engine) ReplayExternalRedo(laneIdx int, fn func(Entry) error) error {
	return e.lanes[laneIdx].extRedoChain.Scan(fn)
}

// InvalidateUndo/InvalidateExternalRedo truncate and bump the generation
// of lane laneIdx's corresponding chain, for the recovery coordinator to
// call once it has finished replaying it.
func (e *Engine) InvalidateUndo(laneIdx int) error { return e.lanes[laneIdx].undoChain.Invalidate() }
func (e *Engine) InvalidateExternalRedo(laneIdx int) error {
	return e.lanes[laneIdx].extRedoChain.Invalidate()
}

// MarkLaneIdle resets lane laneIdx's read epoch to the idle sentinel,
// called once the recovery coordinator has finished resolving it (spec
// §4.8 "mark lane idle").
func (e *Engine) MarkLaneIdle(laneIdx int) { e.lanes[laneIdx].readEpoch.Store(epc.IdleEpoch) }

// Close closes every lane's ulog chains.
func (e *Engine) Close() error {
	var firstErr error
	for _, lane := range e.lanes {
		for _, c := range []*Chain{lane.undoChain, lane.extRedoChain, lane.intRedoChain} {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Affinity is a caller-owned cursor that plays the role of the spec's
// per-thread "LRU-preferred primary index" (spec §4.7.1): since Go has no
// implicit thread-local storage, a caller that wants lane stickiness
// across repeated transactions keeps one Affinity (e.g. one per
// connection/worker goroutine) and passes it to every Begin call.
// A nil Affinity is equivalent to always starting from lane 0 with no
// stickiness.
type Affinity struct {
	primary  int32
	attempts int32
}

// Tx is a single transaction bound to a lane. Begin/Commit/Rollback
// mirror internal/store/tx.go's buffer-then-commit-in-order lifecycle,
// generalized from one flat op log to per-lane ulog chains and temp
// lists plus manifest TX_INFO bookkeeping (spec §4.7.1).
type Tx struct {
	engine *Engine
	lane   *Lane

	lastTCV uint64
}

// Begin acquires a lane (round-robin starting at aff's sticky primary,
// reassigning the primary after LanePrimaryAttempts failed attempts),
// appends a TX_START manifest entry, snaps the lane's read epoch to the
// current global epoch, and returns a Tx in the WORK stage.
func (e *Engine) Begin(ctx context.Context, aff *Affinity) (*Tx, error) {
	if aff == nil {
		aff = &Affinity{}
	}

	n := len(e.lanes)
	idx := int(aff.primary) % n

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		lane := e.lanes[idx]
		if lane.mu.TryLock() {
			aff.primary = int32(idx)
			aff.attempts = 0

			lane.nestCount = 1
			lane.stage = StageWork
			lane.ranges.Reset()
			lane.undoObjectIDs = nil
			lane.pendingOps = nil
			lane.reservedOffsets = nil
			lane.readEpoch.Store(e.cache.CurrentEpoch())

			tcv, err := e.manifest.Append(manifest.Record{
				Type:   manifest.TxInfo,
				TxKind: manifest.TxStart,
				Lane:   uint8(lane.id),
			})
			if err != nil {
				lane.mu.Unlock()
				return nil, err
			}

			return &Tx{engine: e, lane: lane, lastTCV: tcv}, nil
		}

		idx = (idx + 1) % n
		aff.attempts++

		if aff.attempts >= LanePrimaryAttempts {
			next := e.roundRobin.Add(1) % uint64(n)
			aff.primary = int32(next)
			aff.attempts = 0
			idx = int(next)
		}
	}
}

// Begin marks a nested transaction on the same lane: per spec §4.7.1's
// nest_count discipline, only the outermost Commit/Rollback does real
// work — an inner Begin just bumps the nesting depth and returns the
// same Tx.
func (tx *Tx) Begin() *Tx {
	tx.lane.nestCount++
	return tx
}

// AddRange snapshots [offset,offset+size) into the lane's undo chain
// before the caller mutates it, merging with whatever the lane has
// already snapshotted this transaction so the same bytes are never
// captured twice (spec §4.7.2, §4.7.4).
func (tx *Tx) AddRange(offset, size uint64) error {
	lane := tx.lane
	if lane.stage != StageWork {
		return fmt.Errorf("%w: AddRange outside WORK stage", ErrWrongStage)
	}

	if size == 0 || size > tx.engine.maxAllocSize {
		return fmt.Errorf("%w: snapshot size %d exceeds max alloc size %d", ErrInvalid, size, tx.engine.maxAllocSize)
	}
	if offset+size > tx.engine.heapSize {
		return fmt.Errorf("%w: snapshot [%d,%d) outside heap range [0,%d)", ErrInvalid, offset, offset+size, tx.engine.heapSize)
	}

	entry, ok := tx.engine.cache.Lookup(offset, false)
	if !ok {
		return fmt.Errorf("%w: no object at offset %d", ErrInvalid, offset)
	}
	if entry.CachedPlaintext == nil {
		return fmt.Errorf("%w: object at offset %d has no cached plaintext to snapshot", ErrInvalid, offset)
	}

	fresh := lane.ranges.Add(offset, offset+size)
	if len(fresh) == 0 {
		return nil
	}

	if !laneTracksObject(lane, offset) {
		lane.undoObjectIDs = append(lane.undoObjectIDs, undoObjectID{
			offset: offset,
			tag:    entry.Tag,
			size:   entry.Size(),
		})
	}

	for _, r := range fresh {
		lo, hi := r.start-offset, r.end-offset
		if hi > uint64(len(entry.CachedPlaintext)) {
			hi = uint64(len(entry.CachedPlaintext))
		}
		if lo >= hi {
			continue
		}

		payload := append([]byte(nil), entry.CachedPlaintext[lo:hi]...)
		if _, err := lane.undoChain.Append(Entry{
			Op:      OpSnapshot,
			Offset:  r.start,
			Size:    r.end - r.start,
			Payload: payload,
		}); err != nil {
			return fmt.Errorf("txn: add range: %w", err)
		}
	}

	return nil
}

func laneTracksObject(lane *Lane, offset uint64) bool {
	for _, u := range lane.undoObjectIDs {
		if u.offset == offset {
			return true
		}
	}
	return false
}

// NoteNewObject records that offset is a freshly-created object this
// transaction is responsible for, so an abort removes it from the EPC
// entirely rather than restoring a pre-existing tag (spec §4.7.6:
// "reinstating the saved tag or removing a newly-created object").
// Callers (the pool layer) call this instead of AddRange for an object
// that did not exist before this transaction touched it.
func (tx *Tx) NoteNewObject(offset uint64) {
	lane := tx.lane
	if laneTracksObject(lane, offset) {
		return
	}
	lane.undoObjectIDs = append(lane.undoObjectIDs, undoObjectID{offset: offset, isNew: true})
}

// Add applies a SET/AND/OR to the EPC-cached plaintext of offset in
// place and queues the corresponding external-redo entry for commit
// (spec §4.7.3). Callers must have already covered the affected range
// with AddRange.
func (tx *Tx) Add(offset uint64, op Op, value []byte, bitmapBase uint64) error {
	lane := tx.lane
	if lane.stage != StageWork {
		return fmt.Errorf("%w: Add outside WORK stage", ErrWrongStage)
	}
	if op == OpSnapshot {
		return fmt.Errorf("%w: Add cannot take OpSnapshot", ErrInvalid)
	}

	entry, ok := tx.engine.cache.Lookup(offset, false)
	if !ok || entry.CachedPlaintext == nil {
		return fmt.Errorf("%w: object at offset %d is not cached", ErrInvalid, offset)
	}
	switch op {
	case OpSet:
		if len(value) > len(entry.CachedPlaintext) {
			return fmt.Errorf("%w: value longer than object", ErrInvalid)
		}
		copy(entry.CachedPlaintext, value)
	case OpAnd:
		for i := 0; i < len(value) && i < len(entry.CachedPlaintext); i++ {
			entry.CachedPlaintext[i] &= value[i]
		}
	case OpOr:
		for i := 0; i < len(value) && i < len(entry.CachedPlaintext); i++ {
			entry.CachedPlaintext[i] |= value[i]
		}
	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalid, op)
	}

	tx.engine.cache.Set(offset, entry, true)

	lane.pendingOps = append(lane.pendingOps, pendingOp{offset: offset, op: op, value: value, bitmapBase: bitmapBase})

	return nil
}

// Reserve carves out size bytes of heap space via the allocator,
// tracking the reservation so Commit publishes it or Abort cancels it
// (spec §4.6.5 steps 1/4, §4.7.5 step 4).
func (tx *Tx) Reserve(size uint64) (uint64, error) {
	if tx.lane.stage != StageWork {
		return 0, fmt.Errorf("%w: Reserve outside WORK stage", ErrWrongStage)
	}

	off, err := tx.engine.allocr.Reserve(size)
	if err != nil {
		if errors.Is(err, alloc.ErrOOM) {
			return 0, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return 0, err
	}

	tx.lane.reservedOffsets = append(tx.lane.reservedOffsets, off)
	return off, nil
}

// Commit runs the nine-step commit sequence (spec §4.7.5). A nested
// (non-outermost) Commit just decrements the nesting depth and returns,
// per spec §4.7.1 "only the outermost commit flushes ranges and releases
// the lane".
func (tx *Tx) Commit(ctx context.Context) error {
	lane := tx.lane

	if lane.stage != StageWork {
		return fmt.Errorf("%w: Commit outside WORK stage", ErrWrongStage)
	}

	lane.nestCount--
	if lane.nestCount > 0 {
		return nil
	}

	lane.stage = StageOnCommit
	defer func() {
		lane.stage = StageNone
		lane.mu.Unlock()
	}()

	// 1. pre_commit: every range has already been snapshotted eagerly by
	// AddRange, so flushing the tree here just means discarding it.
	lane.ranges.Reset()

	// 2. the undo chain's entries are already durable (each Append fsyncs),
	// so there is nothing further to persist before redo publication.

	// 3. append redo entries into the external ulog.
	for _, op := range lane.pendingOps {
		tcv, err := lane.extRedoChain.Append(Entry{
			Op:         op.op,
			Offset:     op.offset,
			Size:       uint64(len(op.value)),
			BitmapBase: op.bitmapBase,
			Payload:    op.value,
		})
		if err != nil {
			return fmt.Errorf("txn: commit: append redo entry: %w", err)
		}
		tx.lastTCV = tcv
	}

	// Mark the commit point: once the redo entries above are durable, a
	// crash recovers by replaying them rather than the undo chain (spec
	// §4.8 "redo wins iff its first entry is applied and counter-stable").
	commitTCV, err := tx.engine.manifest.Append(manifest.Record{
		Type:   manifest.TxInfo,
		TxKind: manifest.TxCommit,
		Lane:   uint8(lane.id),
	})
	if err != nil {
		return fmt.Errorf("txn: commit: append tx_commit: %w", err)
	}
	tx.lastTCV = commitTCV

	// 4. publish allocator reservations, recording each as an internal-redo
	// entry (spec §3.1 TxUlogHdrUpdate: the allocator's own bookkeeping
	// travels on the internal-redo chain, separate from the user-visible
	// external-redo chain built in step 3).
	for _, off := range lane.reservedOffsets {
		if err := tx.engine.allocr.Publish(off); err != nil {
			return fmt.Errorf("%w: publish offset %d: %v", ErrCanceled, off, err)
		}
		if _, err := lane.intRedoChain.Append(Entry{Op: OpSet, Offset: off}); err != nil {
			return fmt.Errorf("txn: commit: append internal-redo entry: %w", err)
		}
	}

	// 5./6. reseal each modified object's plaintext to PM and append its
	// REDO_OBJECT manifest entry.
	touched := make(map[uint64]struct{}, len(lane.pendingOps))
	for _, op := range lane.pendingOps {
		touched[op.offset] = struct{}{}
	}

	for off := range touched {
		entry, ok := tx.engine.cache.Lookup(off, false)
		if !ok {
			continue
		}

		tag, err := tx.engine.sealer.Reseal(off, entry.CachedPlaintext)
		if err != nil {
			return fmt.Errorf("txn: commit: reseal offset %d: %w", off, err)
		}

		tcv, err := tx.engine.manifest.Append(manifest.Record{
			Type:   manifest.RedoObject,
			Lane:   uint8(lane.id),
			Offset: off,
			Tag:    tag,
			Size:   entry.Size(),
		})
		if err != nil {
			return fmt.Errorf("txn: commit: append redo-object manifest entry: %w", err)
		}
		tx.lastTCV = tcv

		entry.Tag = tag
		tx.engine.cache.Set(off, entry, true)
	}

	// 7. align the undo chain's counters so it reads as logically empty.
	if err := lane.undoChain.Align(); err != nil {
		return fmt.Errorf("txn: commit: align undo chain: %w", err)
	}

	// 8. append TX_FINISH.
	tcv, err := tx.engine.manifest.Append(manifest.Record{
		Type:   manifest.TxInfo,
		TxKind: manifest.TxFinish,
		Lane:   uint8(lane.id),
	})
	if err != nil {
		return fmt.Errorf("txn: commit: append tx_finish: %w", err)
	}
	tx.lastTCV = tcv

	// 9. epoch housekeeping; release happens via the deferred unlock above.
	lane.readEpoch.Store(epc.IdleEpoch)

	// Commit waits for counter stability before reporting success (spec
	// §4.2, §7 "Counter not yet stable on commit" -> "Block until stable,
	// then return success").
	return tx.engine.bank.WaitStable(ctx, counter.ManifestEndIdx, tx.lastTCV)
}

// Rollback aborts the transaction, restoring every snapshotted byte
// range and EPC object tag the WORK stage touched (spec §4.7.6). Unlike
// Commit, Rollback always unwinds the entire nesting depth: there is no
// meaningful "inner abort" that leaves the outer transaction's effects
// intact, since an abort discards everything the lane did this
// transaction.
func (tx *Tx) Rollback() error {
	lane := tx.lane

	if lane.stage != StageWork {
		return fmt.Errorf("%w: Rollback outside WORK stage", ErrWrongStage)
	}

	lane.nestCount = 0
	lane.stage = StageOnAbort
	defer func() {
		lane.stage = StageNone
		lane.mu.Unlock()
	}()

	if err := lane.undoChain.Scan(func(e Entry) error {
		entry, ok := tx.engine.cache.Lookup(e.Offset, false)
		if !ok || entry.CachedPlaintext == nil {
			return nil // object was itself removed/never cached; nothing to restore into
		}

		hi := e.Size
		if hi > uint64(len(entry.CachedPlaintext)) {
			hi = uint64(len(entry.CachedPlaintext))
		}
		if hi > uint64(len(e.Payload)) {
			hi = uint64(len(e.Payload))
		}

		copy(entry.CachedPlaintext[:hi], e.Payload[:hi])
		tx.engine.cache.Set(e.Offset, entry, true)

		return nil
	}); err != nil {
		return fmt.Errorf("txn: rollback: replay undo chain: %w", err)
	}

	for _, u := range lane.undoObjectIDs {
		if u.isNew {
			tx.engine.cache.Remove(u.offset)
			continue
		}
		entry, ok := tx.engine.cache.Lookup(u.offset, false)
		if !ok {
			continue
		}
		entry.Tag = u.tag
		entry.SetSize(u.size)
		tx.engine.cache.Set(u.offset, entry, true)
	}

	for _, off := range lane.reservedOffsets {
		if err := tx.engine.allocr.Cancel(off); err != nil {
			return fmt.Errorf("txn: rollback: cancel reservation %d: %w", off, err)
		}
	}

	if _, err := tx.engine.manifest.Append(manifest.Record{
		Type:   manifest.TxInfo,
		TxKind: manifest.TxFinish,
		Lane:   uint8(lane.id),
	}); err != nil {
		return fmt.Errorf("txn: rollback: append tx_finish: %w", err)
	}

	if err := lane.undoChain.Invalidate(); err != nil {
		return fmt.Errorf("txn: rollback: invalidate undo chain: %w", err)
	}

	lane.readEpoch.Store(epc.IdleEpoch)

	return nil
}
