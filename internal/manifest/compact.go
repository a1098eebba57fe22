package manifest

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/epc"
	"github.com/anchor-go/anchor/internal/mmap"
	"github.com/anchor-go/anchor/pkg/fs"
)

// Compact rewrites the manifest in place: every still-live EPC entry is
// re-journaled as a single RedoObject record (collapsing however many
// UndoObject/RedoObject/UlogObject/AtomicObject entries accumulated for
// that offset), into a replacement file of the same slot capacity as the
// current one (spec §4.4.4 "Compaction"). Compaction frees slots but never
// enlarges the manifest.
//
// This implementation holds the manifest's append lock for the whole
// rewrite rather than the source design's dual-write-then-cutover scheme
// (spec.md §9's escape hatch for "exact structural equivalence" — this is
// a correctness-preserving simplification, not a semantic one: the
// rewrite is built entirely in a temp file and only becomes visible via
// one atomic rename, grounded on pkg/fs's AtomicWriter pattern, so a
// crash mid-compaction always leaves either the untouched original file
// or the fully-written replacement, never a partial one. The cost is
// that concurrent Append calls block for the duration of the rewrite
// instead of being dual-written.
func (m *Manifest) Compact(cache *epc.Cache) error {
	defer m.compacting.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	cutover, err := m.bank.Get(counter.ManifestEndIdx)
	if err != nil {
		return err
	}
	if cutover <= m.baseTCV {
		return nil // nothing has been appended since the last compaction
	}

	tmpPath := m.path + ".compact.tmp"

	tmpFile, tmpData, err := createRawManifestFile(m.fsys, tmpPath, m.capacity, cutover)
	if err != nil {
		return fmt.Errorf("manifest: compact: create temp: %w", err)
	}

	tmp := &Manifest{
		cipher:   m.cipher,
		poolID:   m.poolID,
		bank:     m.bank,
		fsys:     m.fsys,
		path:     tmpPath,
		file:     tmpFile,
		data:     tmpData,
		capacity: m.capacity,
		baseTCV:  cutover,
	}

	if err := m.migrateInto(tmp, cache); err != nil {
		_ = mmap.Unmap(tmpData)
		_ = tmpFile.Close()
		_ = m.fsys.Remove(tmpPath)
		return err
	}

	if err := mmap.Sync(tmpData); err != nil {
		return fmt.Errorf("manifest: compact: sync temp: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("manifest: compact: fsync temp: %w", err)
	}

	if err := m.fsys.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("manifest: compact: rename: %w", err)
	}

	oldFile, oldData := m.file, m.data
	m.file, m.data, m.baseTCV = tmpFile, tmpData, cutover

	if err := m.bank.Set(counter.ManifestStartIdx, cutover); err != nil {
		return fmt.Errorf("manifest: compact: advance start counter: %w", err)
	}
	if err := m.bank.PersistAll(); err != nil {
		return fmt.Errorf("manifest: compact: persist counters: %w", err)
	}

	_ = mmap.Unmap(oldData)
	_ = oldFile.Close()

	return nil
}

// migrateInto writes one RedoObject record per live EPC entry into tmp,
// iterating the cache in bucket order (spec §4.4.4 step 2: "Iterates EPC
// in bucket order").
func (m *Manifest) migrateInto(tmp *Manifest, cache *epc.Cache) error {
	var migrateErr error

	cache.ForEach(func(off uint64, e *epc.Entry) bool {
		rec := Record{
			Type:   RedoObject,
			Lane:   NoLane,
			Offset: off,
			Tag:    e.Tag,
			Size:   e.Size(),
		}

		if _, _, err := tmp.appendLocked(rec); err != nil {
			migrateErr = fmt.Errorf("manifest: compact: migrate offset %d: %w", off, err)
			return false
		}

		return true
	})

	return migrateErr
}

func createRawManifestFile(fsys fs.FS, path string, capacity int, baseTCV uint64) (fs.File, []byte, error) {
	fileSize := int64(headerSize + capacity*SlotSize)

	file, err := fsys.OpenFile(path, osRDWRCreate|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest: open: %w", err)
	}

	if err := truncateFile(file, fileSize); err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("manifest: grow: %w", err)
	}

	data, err := mmap.Map(int(file.Fd()), int(fileSize), true)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("manifest: mmap: %w", err)
	}

	binary.LittleEndian.PutUint64(data[0:8], headerMagic)
	binary.LittleEndian.PutUint64(data[8:16], baseTCV)
	binary.LittleEndian.PutUint64(data[16:24], uint64(capacity))

	return file, data, nil
}
