package txn_test

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
	"github.com/anchor-go/anchor/internal/txn"
	"github.com/anchor-go/anchor/pkg/fs"
)

type fakeSealer struct {
	calls int
}

func (f *fakeSealer) Reseal(offset uint64, plaintext []byte) ([16]byte, error) {
	f.calls++
	var tag [16]byte
	var sum byte
	for _, b := range plaintext {
		sum += b
	}
	tag[0] = sum
	tag[1] = byte(offset)
	return tag, nil
}

type harness struct {
	engine *txn.Engine
	cache  *epc.Cache
	bank   *counter.Bank
	mf     *manifest.Manifest
	sealer *fakeSealer
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
	sealer := &fakeSealer{}

	eng, err := txn.Open(fsys, dir, cipher, 1, bank, mf, cache, allocr, sealer, nlanes, 1<<20, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return &harness{engine: eng, cache: cache, bank: bank, mf: mf, sealer: sealer}
}

func seedObject(h *harness, offset uint64, plaintext []byte) {
	var tag [16]byte
	tag[0] = 0xAB
	e := epc.NewEntry(tag, uint64(len(plaintext)), 0)
	e.CachedPlaintext = append([]byte(nil), plaintext...)
	h.cache.Set(offset, e, true)
}

func TestCommitAppliesRedoAndReseals(t *testing.T) {
	h := newHarness(t, 2)
	seedObject(h, 100, []byte("hello world!!!!!"))

	tx, err := h.engine.Begin(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, tx.AddRange(100, 16))
	require.NoError(t, tx.Add(100, txn.OpSet, []byte("COMMITTED-value!"), 0))
	require.NoError(t, tx.Commit(context.Background()))

	entry, ok := h.cache.Lookup(100, false)
	require.True(t, ok)
	require.Equal(t, "COMMITTED-value!", string(entry.CachedPlaintext))
	require.Equal(t, 1, h.sealer.calls)

	end, err := h.bank.Get(counter.ManifestEndIdx)
	require.NoError(t, err)
	require.Greater(t, end, uint64(0), "commit should have appended manifest entries")
}

func TestRollbackRestoresPlaintextAndTag(t *testing.T) {
	h := newHarness(t, 2)
	seedObject(h, 200, []byte("original-bytes!!"))

	before, ok := h.cache.Lookup(200, false)
	require.True(t, ok)

	tx, err := h.engine.Begin(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, tx.AddRange(200, 16))
	require.NoError(t, tx.Add(200, txn.OpSet, []byte("mutated-bytes!!!"), 0))
	require.NoError(t, tx.Rollback())

	after, ok := h.cache.Lookup(200, false)
	require.True(t, ok)
	require.Equal(t, "original-bytes!!", string(after.CachedPlaintext))
	require.Equal(t, before.Tag, after.Tag)
}

func TestNestedTransactionOnlyOutermostCommits(t *testing.T) {
	h := newHarness(t, 1)
	seedObject(h, 300, []byte("abcdefgh12345678"))

	outer, err := h.engine.Begin(context.Background(), nil)
	require.NoError(t, err)

	inner := outer.Begin()
	require.NoError(t, inner.AddRange(300, 16))
	require.NoError(t, inner.Add(300, txn.OpSet, []byte("zzzzzzzzzzzzzzzz"), 0))

	require.NoError(t, inner.Commit(context.Background())) // inner commit: no-op

	entry, ok := h.cache.Lookup(300, false)
	require.True(t, ok)
	require.Equal(t, "zzzzzzzzzzzzzzzz", string(entry.CachedPlaintext), "mutation is visible even before the outer commit, since it went straight into the EPC cache")

	require.NoError(t, outer.Commit(context.Background()))
	require.Equal(t, 1, h.sealer.calls)
}

func TestBeginReassignsAffinityAfterContendedAttempts(t *testing.T) {
	h := newHarness(t, 2)

	aff := &txn.Affinity{}

	tx0, err := h.engine.Begin(context.Background(), aff)
	require.NoError(t, err)

	// Lane 0 is now held; a second Begin with the same affinity must not
	// deadlock and must land on the other lane.
	tx1, err := h.engine.Begin(context.Background(), aff)
	require.NoError(t, err)

	require.NoError(t, tx0.Rollback())
	require.NoError(t, tx1.Rollback())
}
