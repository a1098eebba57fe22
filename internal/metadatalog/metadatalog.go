package metadatalog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/pkg/fs"
)

const (
	lenPrefixSize = 4
	checkpointInterval = 500 * time.Millisecond

	// checkpointThresholdBytes is the on-disk journal size that triggers a
	// background rewrite (spec §4.5: "apply/truncate cycle").
	checkpointThresholdBytes = 4 * 1024 * 1024
)

// ErrCorrupt reports an authentication failure on a frame that is not the
// (recoverable) torn tail left by a crash mid-append.
var ErrCorrupt = errors.New("metadatalog: corrupt")

type pending struct {
	tcv     uint64
	entries []Entry
}

// Log is one open metadata log bound to a pool, the AEAD cipher its frames
// are sealed with (internal/pool passes the same cipher it uses for object
// data), and the shared counter bank.
type Log struct {
	mu sync.Mutex

	cipher *aead.Cipher
	poolID uint64
	bank   *counter.Bank

	fsys fs.FS
	path string
	file fs.File
	w    *bufio.Writer
	size int64 // current file length, tracked to avoid repeated Stat calls

	ring []pending // volatile, in tcv order, not yet applied (spec §3.2 "ring buffer")

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open opens (creating if necessary) the metadata log file at path,
// replays any persisted frames into the volatile ring, and starts the
// background checkpoint goroutine.
func Open(fsys fs.FS, path string, cipher *aead.Cipher, poolID uint64, bank *counter.Bank) (*Log, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("metadatalog: open: %w", err)
	}

	l := &Log{
		cipher: cipher,
		poolID: poolID,
		bank:   bank,
		fsys:   fsys,
		path:   path,
		file:   file,
		stopCh: make(chan struct{}),
	}

	if err := l.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("metadatalog: seek end: %w", err)
	}
	l.w = bufio.NewWriter(l.file)

	lastTCV := uint64(0)
	if n := len(l.ring); n > 0 {
		lastTCV = l.ring[n-1].tcv
	}

	cur, err := bank.Get(counter.MLEndIdx)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if lastTCV > cur {
		if err := bank.Set(counter.MLEndIdx, lastTCV); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	if err := bank.CreateAt(counter.MLStartIdx, 0); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := bank.CreateAt(counter.MLEndIdx, 0); err != nil {
		_ = file.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.checkpointLoop()

	return l, nil
}

// recover replays every well-formed frame in the journal into the ring,
// discarding a torn tail (an incomplete last write left by a crash
// mid-append) and failing on anything else (spec §4.5: recovery distinguishes
// a torn tail from real corruption the same way the manifest does — see
// internal/manifest.Scan).
func (l *Log) recover() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("metadatalog: seek start: %w", err)
	}

	r := bufio.NewReader(l.file)

	var offset int64

	for {
		lenBuf := make([]byte, lenPrefixSize)
		n, err := io.ReadFull(r, lenBuf)
		if n == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Partial length prefix: torn tail, recoverable.
			break
		}

		frameLen := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, int(frameLen)+aead.TagSize)

		n, err = io.ReadFull(r, body)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				break // torn tail
			}
			return fmt.Errorf("metadatalog: read frame at %d: %w", offset, err)
		}

		ciphertext := body[:frameLen]
		tag := body[frameLen:]

		iv := aead.IV(l.poolID, uint64(offset))
		plaintext, err := l.cipher.Open(iv[:], nil, ciphertext, tag)
		if err != nil {
			return fmt.Errorf("%w: frame at %d: %v", ErrCorrupt, offset, err)
		}

		tcvStart, entries, err := decodeChunk(plaintext)
		if err != nil {
			return fmt.Errorf("%w: frame at %d: %v", ErrCorrupt, offset, err)
		}

		l.ring = append(l.ring, pending{tcv: tcvStart, entries: entries})

		offset += int64(lenPrefixSize + n)
	}

	if err := truncateFile(l.file, offset); err != nil {
		return fmt.Errorf("metadatalog: truncate torn tail: %w", err)
	}
	l.size = offset

	return nil
}

// Append seals entries as one chunk, assigns it the next ML-end tcv, and
// durably appends it to the journal before returning (spec §4.5 "Append").
func (l *Log) Append(entries []Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("metadatalog: append: no entries")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tcv, err := l.bank.Inc(counter.MLEndIdx)
	if err != nil {
		return 0, err
	}

	plaintext := encodeChunk(tcv, entries)

	iv := aead.IV(l.poolID, uint64(l.size))
	ciphertext, tag, err := l.cipher.Seal(iv[:], nil, plaintext)
	if err != nil {
		return tcv, fmt.Errorf("metadatalog: seal: %w", err)
	}

	var lenBuf [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))

	if _, err := l.w.Write(lenBuf[:]); err != nil {
		return tcv, fmt.Errorf("metadatalog: write length: %w", err)
	}
	if _, err := l.w.Write(ciphertext); err != nil {
		return tcv, fmt.Errorf("metadatalog: write ciphertext: %w", err)
	}
	if _, err := l.w.Write(tag); err != nil {
		return tcv, fmt.Errorf("metadatalog: write tag: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return tcv, fmt.Errorf("metadatalog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return tcv, fmt.Errorf("metadatalog: fsync: %w", err)
	}

	l.size += int64(lenPrefixSize + len(ciphertext) + len(tag))
	l.ring = append(l.ring, pending{tcv: tcv, entries: entries})

	return tcv, nil
}

// Apply drains the ring in tcv order, calling fn once per entry, and
// advances the ML-start counter past each fully-applied chunk (spec §4.5
// "Apply"). fn returning an error stops the drain, leaving the offending
// chunk and everything after it in the ring for a later retry.
func (l *Log) Apply(fn func(tcv uint64, e Entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.ring) > 0 {
		batch := l.ring[0]

		for _, e := range batch.entries {
			if err := fn(batch.tcv, e); err != nil {
				return fmt.Errorf("metadatalog: apply tcv %d: %w", batch.tcv, err)
			}
		}

		l.ring = l.ring[1:]

		if err := l.bank.Set(counter.MLStartIdx, batch.tcv); err != nil {
			return err
		}
	}

	return l.bank.PersistAll()
}

// Checkpoint rewrites the journal file to drop every frame the ring no
// longer references. If the ring is empty the file is truncated to zero;
// otherwise the surviving (not-yet-applied) frames are re-sealed into a
// fresh file and swapped in with the same atomic temp+rename discipline
// internal/manifest.Compact uses.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ring) == 0 {
		if err := truncateFile(l.file, 0); err != nil {
			return fmt.Errorf("metadatalog: checkpoint truncate: %w", err)
		}
		if _, err := l.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("metadatalog: checkpoint seek: %w", err)
		}
		l.w = bufio.NewWriter(l.file)
		l.size = 0
		return nil
	}

	tmpPath := l.path + ".checkpoint.tmp"

	tmpFile, err := l.fsys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("metadatalog: checkpoint create temp: %w", err)
	}

	w := bufio.NewWriter(tmpFile)
	var offset int64

	for _, batch := range l.ring {
		plaintext := encodeChunk(batch.tcv, batch.entries)

		iv := aead.IV(l.poolID, uint64(offset))
		ciphertext, tag, err := l.cipher.Seal(iv[:], nil, plaintext)
		if err != nil {
			_ = tmpFile.Close()
			_ = l.fsys.Remove(tmpPath)
			return fmt.Errorf("metadatalog: checkpoint seal: %w", err)
		}

		var lenBuf [lenPrefixSize]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))

		if _, err := w.Write(lenBuf[:]); err != nil {
			_ = tmpFile.Close()
			_ = l.fsys.Remove(tmpPath)
			return fmt.Errorf("metadatalog: checkpoint write: %w", err)
		}
		if _, err := w.Write(ciphertext); err != nil {
			_ = tmpFile.Close()
			_ = l.fsys.Remove(tmpPath)
			return fmt.Errorf("metadatalog: checkpoint write: %w", err)
		}
		if _, err := w.Write(tag); err != nil {
			_ = tmpFile.Close()
			_ = l.fsys.Remove(tmpPath)
			return fmt.Errorf("metadatalog: checkpoint write: %w", err)
		}

		offset += int64(lenPrefixSize + len(ciphertext) + len(tag))
	}

	if err := w.Flush(); err != nil {
		_ = tmpFile.Close()
		_ = l.fsys.Remove(tmpPath)
		return fmt.Errorf("metadatalog: checkpoint flush: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = l.fsys.Remove(tmpPath)
		return fmt.Errorf("metadatalog: checkpoint fsync: %w", err)
	}

	if err := l.fsys.Rename(tmpPath, l.path); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("metadatalog: checkpoint rename: %w", err)
	}

	_ = l.file.Close()
	l.file = tmpFile
	l.w = bufio.NewWriter(l.file)
	l.size = offset

	return nil
}

func (l *Log) checkpointLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			due := l.size >= checkpointThresholdBytes
			l.mu.Unlock()

			if due {
				_ = l.Checkpoint()
			}
		}
	}
}

// Close stops the background checkpointer and closes the journal file.
func (l *Log) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("metadatalog: close flush: %w", err)
	}
	return l.file.Close()
}

func truncateFile(file fs.File, size int64) error {
	return syscall.Ftruncate(int(file.Fd()), size)
}
