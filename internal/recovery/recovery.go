// Package recovery implements the recovery coordinator: the pass that
// runs once at pool-open time, replays the manifest since the last
// checkpoint, rebuilds each lane's temp lists, and resolves every
// unfinished transaction left behind by a crash (spec §4.4.3 "Scan &
// recovery", §4.8 "Recovery coordinator").
//
// Grounded on internal/store/wal.go's readWalState/replayWalOps split
// (classify first, then replay), generalized from a single WAL to the
// manifest's many-lanes-at-once recovery and to internal/txn's per-lane
// ulog chains providing the actual redo/undo bytes to replay.
package recovery

import (
	"fmt"

	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/epc"
	"github.com/anchor-go/anchor/internal/manifest"
	"github.com/anchor-go/anchor/internal/txn"
)

type lanePhase int

const (
	phaseNone lanePhase = iota
	phaseStarted
	phaseCommitted
)

type tempEntry struct {
	offset uint64
	tag    [16]byte
	size   uint64
}

type laneState struct {
	phase            lanePhase
	undo, redo, ulog map[uint64]tempEntry
}

func newLaneState() *laneState {
	return &laneState{
		undo: make(map[uint64]tempEntry),
		redo: make(map[uint64]tempEntry),
		ulog: make(map[uint64]tempEntry),
	}
}

func (ls *laneState) discardTempLists() {
	ls.undo = make(map[uint64]tempEntry)
	ls.redo = make(map[uint64]tempEntry)
	ls.ulog = make(map[uint64]tempEntry)
}

// Coordinator runs the recovery pass against one pool's already-opened
// manifest, EPC, counter bank and transaction engine.
type Coordinator struct {
	mf     *manifest.Manifest
	cache  *epc.Cache
	bank   *counter.Bank
	engine *txn.Engine
}

// New builds a Coordinator. Callers construct it once manifest, EPC,
// counter bank and transaction engine are all open, and call Run before
// serving any Engine.Begin calls.
func New(mf *manifest.Manifest, cache *epc.Cache, bank *counter.Bank, engine *txn.Engine) *Coordinator {
	return &Coordinator{mf: mf, cache: cache, bank: bank, engine: engine}
}

// Run scans the manifest's currently-persisted window, rebuilds every
// lane's temp lists and TX_INFO phase, resolves outstanding atomic
// snapshots, and finalizes any lane left STARTED or COMMITTED by a crash
// (spec §4.8).
func (c *Coordinator) Run() error {
	nlanes := c.engine.NumLanes()

	lanes := make([]*laneState, nlanes)
	for i := range lanes {
		lanes[i] = newLaneState()
	}

	atomicPending := make(map[uint64]tempEntry)

	start, err := c.bank.Get(counter.ManifestStartIdx)
	if err != nil {
		return err
	}
	end, err := c.bank.Get(counter.ManifestEndIdx)
	if err != nil {
		return err
	}

	err = c.mf.Scan(start, end, manifest.Handlers{
		Object: func(rec manifest.Record) error {
			return c.dispatchObject(rec, lanes, atomicPending)
		},
		Info: func(rec manifest.Record) error {
			return c.dispatchInfo(rec, lanes)
		},
	})
	if err != nil {
		return fmt.Errorf("recovery: scan manifest: %w", err)
	}

	c.applyAtomicSnapshots(atomicPending)

	for i, ls := range lanes {
		switch ls.phase {
		case phaseCommitted:
			if err := c.finalizeCommitted(i, ls); err != nil {
				return fmt.Errorf("recovery: finalize lane %d: %w", i, err)
			}
		case phaseStarted:
			// Temp lists were rebuilt above only for bookkeeping; the spec's
			// own rule for this case is "nothing else to do" (spec §4.8).
		}

		if err := c.bank.PersistAll(); err != nil {
			return fmt.Errorf("recovery: persist counters for lane %d: %w", i, err)
		}
	}

	return nil
}

// dispatchObject is the manifest scan dispatch rule for non-TxInfo
// records (spec §4.4.3): UNDO/REDO/ULOG_OBJECT with a real lane id go
// into that lane's temp list (replacing any earlier entry at the same
// offset); the same types with tx_lane_id==NoLane publish straight to
// EPC; ATOMIC_OBJECT with the invalid bit set joins the pending-snapshot
// list, and without it clears a pending entry and publishes.
func (c *Coordinator) dispatchObject(rec manifest.Record, lanes []*laneState, atomicPending map[uint64]tempEntry) error {
	if rec.Type == manifest.AtomicObject {
		if rec.Invalid {
			atomicPending[rec.Offset] = tempEntry{offset: rec.Offset, tag: rec.Tag, size: rec.Size}
		} else {
			delete(atomicPending, rec.Offset)
			c.cache.Set(rec.Offset, epc.NewEntry(rec.Tag, rec.Size, 0), false)
		}
		return nil
	}

	if rec.Lane == manifest.NoLane {
		c.cache.Set(rec.Offset, epc.NewEntry(rec.Tag, rec.Size, 0), false)
		return nil
	}

	if int(rec.Lane) >= len(lanes) {
		return fmt.Errorf("recovery: record references lane %d, have %d lanes", rec.Lane, len(lanes))
	}

	ls := lanes[rec.Lane]
	te := tempEntry{offset: rec.Offset, tag: rec.Tag, size: rec.Size}

	switch rec.Type {
	case manifest.UndoObject:
		ls.undo[rec.Offset] = te
	case manifest.RedoObject:
		ls.redo[rec.Offset] = te
	case manifest.UlogObject:
		ls.ulog[rec.Offset] = te
	}

	return nil
}

// dispatchInfo is the manifest scan dispatch rule for TxInfo records
// (spec §4.4.3).
func (c *Coordinator) dispatchInfo(rec manifest.Record, lanes []*laneState) error {
	if int(rec.Lane) >= len(lanes) {
		return fmt.Errorf("recovery: tx_info references lane %d, have %d lanes", rec.Lane, len(lanes))
	}
	ls := lanes[rec.Lane]

	switch rec.TxKind {
	case manifest.TxStart:
		ls.phase = phaseStarted
		ls.discardTempLists()
	case manifest.TxAbort:
		ls.phase = phaseNone
		ls.discardTempLists()
	case manifest.TxCommit:
		ls.phase = phaseCommitted
	case manifest.TxFinish:
		c.publishTempLists(ls)
		ls.phase = phaseNone
		ls.discardTempLists()
	}

	return nil
}

// publishTempLists installs every entry a lane's temp lists collected
// during the scan into the EPC (spec §4.4.3 "FINISH drains the lane's
// temp lists into EPC").
func (c *Coordinator) publishTempLists(ls *laneState) {
	for _, te := range ls.undo {
		c.cache.Set(te.offset, epc.NewEntry(te.tag, te.size, 0), false)
	}
	for _, te := range ls.redo {
		c.cache.Set(te.offset, epc.NewEntry(te.tag, te.size, 0), false)
	}
	for _, te := range ls.ulog {
		c.cache.Set(te.offset, epc.NewEntry(te.tag, te.size, 0), false)
	}
}

// finalizeCommitted resolves a lane whose last TX_INFO event before the
// crash was COMMIT: redo replay wins if it advances at least one entry,
// otherwise the undo chain is replayed and the transaction is retroactively
// marked aborted (spec §4.8 "Apply redo first, undo second").
func (c *Coordinator) finalizeCommitted(laneIdx int, ls *laneState) error {
	replayed := false

	err := c.engine.ReplayExternalRedo(laneIdx, func(e txn.Entry) error {
		replayed = true
		return c.applyRedoEntry(e)
	})
	if err != nil {
		return fmt.Errorf("redo replay: %w", err)
	}

	if replayed {
		c.publishTempLists(ls)

		c.engine.MarkLaneIdle(laneIdx)
		return c.engine.InvalidateExternalRedo(laneIdx)
	}

	if err := c.engine.ReplayUndo(laneIdx, c.applyUndoEntry); err != nil {
		return fmt.Errorf("undo replay: %w", err)
	}

	if _, err := c.mf.Append(manifest.Record{
		Type:   manifest.TxInfo,
		TxKind: manifest.TxAbort,
		Lane:   uint8(laneIdx),
	}); err != nil {
		return fmt.Errorf("append tx_abort: %w", err)
	}

	c.engine.MarkLaneIdle(laneIdx)
	return c.engine.InvalidateUndo(laneIdx)
}

// applyRedoEntry applies one external-redo entry's SET/AND/OR to the
// object's EPC-cached plaintext (spec §4.7.3).
func (c *Coordinator) applyRedoEntry(e txn.Entry) error {
	entry, ok := c.cache.Lookup(e.Offset, false)
	if !ok || entry.CachedPlaintext == nil {
		return nil
	}

	switch e.Op {
	case txn.OpSet:
		n := len(e.Payload)
		if n > len(entry.CachedPlaintext) {
			n = len(entry.CachedPlaintext)
		}
		copy(entry.CachedPlaintext[:n], e.Payload[:n])
	case txn.OpAnd:
		for i := 0; i < len(e.Payload) && i < len(entry.CachedPlaintext); i++ {
			entry.CachedPlaintext[i] &= e.Payload[i]
		}
	case txn.OpOr:
		for i := 0; i < len(e.Payload) && i < len(entry.CachedPlaintext); i++ {
			entry.CachedPlaintext[i] |= e.Payload[i]
		}
	}

	c.cache.Set(e.Offset, entry, true)
	return nil
}

// applyUndoEntry restores one undo BufEntry's snapshot back into the
// object's EPC-cached plaintext (spec §4.7.6).
func (c *Coordinator) applyUndoEntry(e txn.Entry) error {
	entry, ok := c.cache.Lookup(e.Offset, false)
	if !ok || entry.CachedPlaintext == nil {
		return nil
	}

	hi := e.Size
	if hi > uint64(len(entry.CachedPlaintext)) {
		hi = uint64(len(entry.CachedPlaintext))
	}
	if hi > uint64(len(e.Payload)) {
		hi = uint64(len(e.Payload))
	}

	copy(entry.CachedPlaintext[:hi], e.Payload[:hi])
	c.cache.Set(e.Offset, entry, true)
	return nil
}

// applyAtomicSnapshots restores every outstanding invalid-bit 8-byte
// atomic write (one with no matching clear found during the scan) to its
// pre-write value (spec §4.8 "apply_atomic_snapshots").
func (c *Coordinator) applyAtomicSnapshots(pending map[uint64]tempEntry) {
	for _, te := range pending {
		c.cache.Set(te.offset, epc.NewEntry(te.tag, te.size, 0), false)
	}
}
