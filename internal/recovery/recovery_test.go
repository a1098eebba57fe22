package recovery_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/alloc"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/epc"
	"github.com/anchor-go/anchor/internal/manifest"
	"github.com/anchor-go/anchor/internal/recovery"
	"github.com/anchor-go/anchor/internal/txn"
	"github.com/anchor-go/anchor/pkg/fs"
)

type fakeSealer struct{}

func (fakeSealer) Reseal(offset uint64, plaintext []byte) ([16]byte, error) {
	var tag [16]byte
	var sum byte
	for _, b := range plaintext {
		sum += b
	}
	tag[0] = sum
	return tag, nil
}

type harness struct {
	fsys   fs.FS
	cipher *aead.Cipher
	bank   *counter.Bank
	mf     *manifest.Manifest
	cache  *epc.Cache
	engine *txn.Engine
}

func newHarness(t *testing.T, nlanes int) *harness {
	t.Helper()
	dir := t.TempDir()
	fsys := fs.NewReal()

	cipher, err := aead.New(make([]byte, aead.KeySize))
	require.NoError(t, err)

	bank, err := counter.LoadAll(fsys, filepath.Join(dir, "counters"), 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bank.Close() })

	mf, err := manifest.Open(fsys, filepath.Join(dir, "manifest"), cipher, 1, bank, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mf.Close() })

	cache := epc.New()
	t.Cleanup(cache.Close)

	allocr := alloc.New(1 << 20)

	eng, err := txn.Open(fsys, dir, cipher, 1, bank, mf, cache, allocr, fakeSealer{}, nlanes, 1<<20, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &harness{fsys: fsys, cipher: cipher, bank: bank, mf: mf, cache: cache, engine: eng}
}

func TestRunInstallsDirectPublishRecords(t *testing.T) {
	h := newHarness(t, 1)

	var tag [16]byte
	tag[0] = 0x42

	_, err := h.mf.Append(manifest.Record{
		Type:   manifest.RedoObject,
		Lane:   manifest.NoLane,
		Offset: 500,
		Tag:    tag,
		Size:   16,
	})
	require.NoError(t, err)

	c := recovery.New(h.mf, h.cache, h.bank, h.engine)
	require.NoError(t, c.Run())

	entry, ok := h.cache.Lookup(500, false)
	require.True(t, ok)
	require.Equal(t, tag, entry.Tag)
	require.EqualValues(t, 16, entry.Size())
}

func TestRunRestoresOutstandingAtomicSnapshot(t *testing.T) {
	h := newHarness(t, 1)

	var oldTag, newTag [16]byte
	oldTag[0] = 0x11
	newTag[0] = 0x22

	_, err := h.mf.Append(manifest.Record{
		Type:    manifest.AtomicObject,
		Offset:  600,
		Tag:     oldTag,
		Size:    8,
		Invalid: true,
	})
	require.NoError(t, err)

	c := recovery.New(h.mf, h.cache, h.bank, h.engine)
	require.NoError(t, c.Run())

	entry, ok := h.cache.Lookup(600, false)
	require.True(t, ok, "an outstanding invalid-bit snapshot restores the pre-write value")
	require.Equal(t, oldTag, entry.Tag)
}

func TestRunClearsAtomicSnapshotWhenMatchingClearSeen(t *testing.T) {
	h := newHarness(t, 1)

	var oldTag, newTag [16]byte
	oldTag[0] = 0x11
	newTag[0] = 0x22

	_, err := h.mf.Append(manifest.Record{Type: manifest.AtomicObject, Offset: 700, Tag: oldTag, Size: 8, Invalid: true})
	require.NoError(t, err)
	_, err = h.mf.Append(manifest.Record{Type: manifest.AtomicObject, Offset: 700, Tag: newTag, Size: 8, Invalid: false})
	require.NoError(t, err)

	c := recovery.New(h.mf, h.cache, h.bank, h.engine)
	require.NoError(t, c.Run())

	entry, ok := h.cache.Lookup(700, false)
	require.True(t, ok)
	require.Equal(t, newTag, entry.Tag, "a later clear record wins over the pending snapshot")
}

func TestRunReinstallsTagAfterCleanFinish(t *testing.T) {
	h := newHarness(t, 1)

	var tag [16]byte
	tag[0] = 0xAB
	e := epc.NewEntry(tag, 16, 0)
	e.CachedPlaintext = []byte("before-commit!!!")
	h.cache.Set(800, e, true)

	tx, err := h.engine.Begin(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, tx.AddRange(800, 16))
	require.NoError(t, tx.Add(800, txn.OpSet, []byte("after-commit!!!!"), 0))
	require.NoError(t, tx.Commit(context.Background()))

	sealedEntry, ok := h.cache.Lookup(800, false)
	require.True(t, ok)
	sealedTag := sealedEntry.Tag

	c := recovery.New(h.mf, h.cache, h.bank, h.engine)
	require.NoError(t, c.Run())

	// A cleanly-finished lane's temp list is drained into the EPC on
	// FINISH the same as it would be during a cold-process scan (spec
	// §4.4.3): the re-dispatched entry carries the committed tag/size.
	// Since those match the live entry's, the EPC keeps its cached
	// plaintext.
	entry, ok := h.cache.Lookup(800, false)
	require.True(t, ok)
	require.Equal(t, sealedTag, entry.Tag)
	require.EqualValues(t, 16, entry.Size())
}
