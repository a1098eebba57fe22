package txn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/pkg/fs"
)

const lenPrefixSize = 4

// ErrCorrupt reports a ulog chain frame that authenticates but does not
// decode as an Entry.
var ErrCorrupt = errors.New("txn: ulog chain corrupt")

// Chain is one of a lane's three ulog chains: an append-only, AEAD-sealed
// stream of Entry frames, bound to a (start,end) counter pair addressed
// by (lane, log kind) (spec §3.1 "Each chain owns a trusted-counter pair
// (start_counter, end_counter) addressed by (lane, log_kind)").
type Chain struct {
	mu sync.Mutex

	cipher *aead.Cipher
	poolID uint64
	bank   *counter.Bank

	startIdx, endIdx int

	fsys fs.FS
	path string
	file fs.File
	w    *bufio.Writer
	size int64

	genNum uint64
}

// OpenChain opens (creating if necessary) the chain file at path and
// replays it to establish its current size. startIdx/endIdx are the
// counter.LaneCounterIdx pair this chain owns.
func OpenChain(fsys fs.FS, path string, cipher *aead.Cipher, poolID uint64, bank *counter.Bank, startIdx, endIdx int) (*Chain, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("txn: open chain: %w", err)
	}

	c := &Chain{
		cipher:   cipher,
		poolID:   poolID,
		bank:     bank,
		startIdx: startIdx,
		endIdx:   endIdx,
		fsys:     fsys,
		path:     path,
		file:     file,
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("txn: stat chain: %w", err)
	}
	c.size = info.Size()

	if _, err := file.Seek(c.size, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("txn: seek chain: %w", err)
	}
	c.w = bufio.NewWriter(file)

	if err := bank.CreateAt(startIdx, 0); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := bank.CreateAt(endIdx, 0); err != nil {
		_ = file.Close()
		return nil, err
	}

	return c, nil
}

// Append seals e, assigns it the chain's next end-counter tcv, and
// durably appends it before returning (spec §4.7.2's "entry is then
// encrypted as a two-part ... AEAD write to the ulog", generalized here
// to a single-part seal with the generation number as associated data).
func (c *Chain) Append(e Entry) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tcv, err := c.bank.Inc(c.endIdx)
	if err != nil {
		return 0, err
	}
	e.TCV = tcv

	plaintext := encodeEntry(e)
	ad := genNumAD(c.genNum)

	iv := aead.IV(c.poolID, uint64(c.size))
	ciphertext, tag, err := c.cipher.Seal(iv[:], ad, plaintext)
	if err != nil {
		return tcv, fmt.Errorf("txn: seal ulog entry: %w", err)
	}

	var lenBuf [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))

	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return tcv, fmt.Errorf("txn: write ulog length: %w", err)
	}
	if _, err := c.w.Write(ciphertext); err != nil {
		return tcv, fmt.Errorf("txn: write ulog ciphertext: %w", err)
	}
	if _, err := c.w.Write(tag); err != nil {
		return tcv, fmt.Errorf("txn: write ulog tag: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return tcv, fmt.Errorf("txn: flush ulog: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return tcv, fmt.Errorf("txn: fsync ulog: %w", err)
	}

	c.size += int64(lenPrefixSize + len(ciphertext) + len(tag))

	return tcv, nil
}

// Scan replays every well-formed frame currently in the chain in append
// order, calling fn for each. A torn tail (a partial write left by a
// crash mid-append) ends the scan without error, and so does a fully read
// frame that fails to authenticate (including one sealed under a stale
// generation): that frame and everything after it are treated as absent.
// An authenticated frame that does not decode is reported as ErrCorrupt.
func (c *Chain) Scan(fn func(Entry) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("txn: seek chain start: %w", err)
	}
	r := bufio.NewReader(c.file)

	var offset int64
	ad := genNumAD(c.genNum)

	for offset < c.size {
		lenBuf := make([]byte, lenPrefixSize)
		n, err := io.ReadFull(r, lenBuf)
		if n == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break // torn tail
		}

		frameLen := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, int(frameLen)+aead.TagSize)

		n, err = io.ReadFull(r, body)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("txn: read ulog frame at %d: %w", offset, err)
		}

		ciphertext := body[:frameLen]
		tag := body[frameLen:]

		iv := aead.IV(c.poolID, uint64(offset))
		plaintext, err := c.cipher.Open(iv[:], ad, ciphertext, tag)
		if err != nil {
			break // checksum mismatch: end of chain
		}

		entry, err := decodeEntry(plaintext)
		if err != nil {
			return fmt.Errorf("%w: frame at %d: %v", ErrCorrupt, offset, err)
		}

		if err := fn(entry); err != nil {
			return err
		}

		offset += int64(lenPrefixSize + n)
	}

	// restore the writer's append position
	if _, err := c.file.Seek(c.size, io.SeekStart); err != nil {
		return fmt.Errorf("txn: reseek chain end: %w", err)
	}
	c.w = bufio.NewWriter(c.file)

	return nil
}

// Align advances the chain's start counter to its current end counter,
// logically emptying it without touching its bytes (spec §4.7.5 step 7,
// commit's "align undo.start_counter to undo.end_counter").
func (c *Chain) Align() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	end, err := c.bank.Get(c.endIdx)
	if err != nil {
		return err
	}
	return c.bank.Set(c.startIdx, end)
}

// Invalidate truncates the chain's backing file to empty and bumps its
// generation number, so any entry sealed before this call can never be
// reopened even if its bytes somehow survived (spec §4.7.7's abort path:
// "invalidate by bumping the gen_num in the ulog header"). Callers must
// have already replayed (via Scan) whatever they needed from the chain's
// current contents before calling this.
func (c *Chain) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := truncateChainFile(c.file, 0); err != nil {
		return fmt.Errorf("txn: truncate chain: %w", err)
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("txn: reseek chain: %w", err)
	}

	c.w = bufio.NewWriter(c.file)
	c.size = 0
	c.genNum++

	end, err := c.bank.Get(c.endIdx)
	if err != nil {
		return err
	}
	return c.bank.Set(c.startIdx, end)
}

// Close flushes and closes the chain's backing file.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("txn: close flush chain: %w", err)
	}
	return c.file.Close()
}

func truncateChainFile(file fs.File, size int64) error {
	return syscall.Ftruncate(int(file.Fd()), size)
}
