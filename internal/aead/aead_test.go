package aead_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anchor-go/anchor/internal/aead"
)

func key(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x42}, aead.KeySize)
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := aead.New(key(t))
	require.NoError(t, err)

	iv := aead.IV(7, 512)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, tag, err := c.Seal(iv[:], []byte("aad"), plaintext)
	require.NoError(t, err)
	require.Len(t, tag, aead.TagSize)
	require.Len(t, ciphertext, len(plaintext))

	got, err := c.Open(iv[:], []byte("aad"), ciphertext, tag)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenTagMismatchOnBitFlip(t *testing.T) {
	c, err := aead.New(key(t))
	require.NoError(t, err)

	iv := aead.IV(1, 2)
	ciphertext, tag, err := c.Seal(iv[:], nil, []byte("payload"))
	require.NoError(t, err)

	flipped := append([]byte(nil), ciphertext...)
	flipped[0] ^= 0x01

	_, err = c.Open(iv[:], nil, flipped, tag)
	require.ErrorIs(t, err, aead.ErrTagMismatch)

	flippedIV := iv
	flippedIV[15] ^= 0x01
	_, err = c.Open(flippedIV[:], nil, ciphertext, tag)
	require.ErrorIs(t, err, aead.ErrTagMismatch)

	flippedTag := append([]byte(nil), tag...)
	flippedTag[0] ^= 0x01
	_, err = c.Open(iv[:], nil, ciphertext, flippedTag)
	require.ErrorIs(t, err, aead.ErrTagMismatch)
}

func TestSealTwoPartRoundTrip(t *testing.T) {
	c, err := aead.New(key(t))
	require.NoError(t, err)

	iv := aead.IV(9, 64)
	header := bytes.Repeat([]byte{0xAA}, 40)
	data := []byte("object payload bytes")

	ciphertext, tag, err := c.SealTwoPart(iv[:], header, data)
	require.NoError(t, err)

	gotHeader, gotData, err := c.OpenTwoPart(iv[:], ciphertext, tag, len(header))
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, data, gotData)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := aead.New([]byte("short"))
	require.Error(t, err)
}
