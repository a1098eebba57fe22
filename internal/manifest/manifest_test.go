package manifest_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/anchor-go/anchor/internal/aead"
	"github.com/anchor-go/anchor/internal/counter"
	"github.com/anchor-go/anchor/internal/epc"
	"github.com/anchor-go/anchor/internal/manifest"
	"github.com/anchor-go/anchor/pkg/fs"
)

func newTestCipher(t *testing.T) *aead.Cipher {
	t.Helper()
	c, err := aead.New(make([]byte, aead.KeySize))
	require.NoError(t, err)
	return c
}

func newTestBank(t *testing.T) *counter.Bank {
	t.Helper()
	dir := t.TempDir()
	b, err := counter.LoadAll(fs.NewReal(), filepath.Join(dir, "counters"), 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAppendAndScan(t *testing.T) {
	dir := t.TempDir()
	cipher := newTestCipher(t)
	bank := newTestBank(t)

	m, err := manifest.Open(fs.NewReal(), filepath.Join(dir, "manifest"), cipher, 42, bank, 8)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	tag := [16]byte{1, 2, 3}
	tcv1, err := m.Append(manifest.Record{Type: manifest.RedoObject, Lane: 0, Offset: 100, Tag: tag, Size: 64})
	require.NoError(t, err)
	require.EqualValues(t, 1, tcv1)

	tcv2, err := m.Append(manifest.Record{Type: manifest.TxInfo, Lane: 0, TxKind: manifest.TxCommit})
	require.NoError(t, err)
	require.EqualValues(t, 2, tcv2)

	var objects []manifest.Record
	var infos []manifest.Record

	err = m.Scan(0, tcv2, manifest.Handlers{
		Object: func(rec manifest.Record) error { objects = append(objects, rec); return nil },
		Info:   func(rec manifest.Record) error { infos = append(infos, rec); return nil },
	})
	require.NoError(t, err)

	wantObjects := []manifest.Record{
		{Type: manifest.RedoObject, Lane: 0, Offset: 100, Tag: tag, Size: 64},
	}
	wantInfos := []manifest.Record{
		{Type: manifest.TxInfo, Lane: 0, TxKind: manifest.TxCommit},
	}

	ignoreTCV := cmpopts.IgnoreFields(manifest.Record{}, "TCV")
	if diff := cmp.Diff(wantObjects, objects, ignoreTCV); diff != "" {
		t.Fatalf("scanned object records mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantInfos, infos, ignoreTCV); diff != "" {
		t.Fatalf("scanned info records mismatch (-want +got):\n%s", diff)
	}
}

func TestScanDetectsTamperedSlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")
	cipher := newTestCipher(t)
	bank := newTestBank(t)

	m, err := manifest.Open(fs.NewReal(), path, cipher, 7, bank, 4)
	require.NoError(t, err)

	_, err = m.Append(manifest.Record{Type: manifest.RedoObject, Offset: 1, Size: 8})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	raw, err := fs.NewReal().ReadFile(path)
	require.NoError(t, err)
	raw[manifest.SlotSize] ^= 0xFF // flip a byte inside the first data slot's ciphertext
	require.NoError(t, fs.NewReal().WriteFile(path, raw, 0o600))

	m2, err := manifest.Open(fs.NewReal(), path, cipher, 7, bank, 4)
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()

	err = m2.Scan(0, 1, manifest.Handlers{})
	require.ErrorIs(t, err, manifest.ErrCorrupt)
}

func TestAppendFailsWhenFull(t *testing.T) {
	dir := t.TempDir()
	cipher := newTestCipher(t)
	bank := newTestBank(t)

	m, err := manifest.Open(fs.NewReal(), filepath.Join(dir, "manifest"), cipher, 1, bank, 2)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	_, err = m.Append(manifest.Record{Type: manifest.RedoObject, Offset: 1, Size: 8})
	require.NoError(t, err)
	_, err = m.Append(manifest.Record{Type: manifest.RedoObject, Offset: 2, Size: 8})
	require.NoError(t, err)

	_, err = m.Append(manifest.Record{Type: manifest.RedoObject, Offset: 3, Size: 8})
	require.ErrorIs(t, err, manifest.ErrFull)
}

func TestCompactRewritesLiveEntriesAndAdvancesStart(t *testing.T) {
	dir := t.TempDir()
	cipher := newTestCipher(t)
	bank := newTestBank(t)

	m, err := manifest.Open(fs.NewReal(), filepath.Join(dir, "manifest"), cipher, 9, bank, 32)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	cache := epc.New()
	defer cache.Close()

	tag := [16]byte{5, 5, 5}
	cache.Set(1000, epc.NewEntry(tag, 256, 0), false)

	for i := 0; i < 5; i++ {
		_, err := m.Append(manifest.Record{Type: manifest.RedoObject, Offset: uint64(i), Size: 8})
		require.NoError(t, err)
	}

	require.NoError(t, m.Compact(cache))

	start, err := bank.Get(counter.ManifestStartIdx)
	require.NoError(t, err)
	end, err := bank.Get(counter.ManifestEndIdx)
	require.NoError(t, err)
	require.Equal(t, start, m.BaseTCV(), "start counter should match the new file's base tcv")
	require.Greater(t, end, start, "migrating the one live EPC entry consumes one more tcv")

	var found bool
	err = m.Scan(start, end, manifest.Handlers{
		Object: func(rec manifest.Record) error {
			if rec.Offset == 1000 && rec.Tag == tag {
				found = true
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.True(t, found, "compaction must re-journal the live EPC entry")
}
