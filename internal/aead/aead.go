// Package aead provides the authenticated-encryption primitive the rest of
// the core treats as an opaque black box: a 128-bit key, a caller-supplied
// 128-bit IV, and a 128-bit tag. Nonce-uniqueness discipline lives entirely
// in callers (the manifest uses IV=(0,slot_offset), object writes use
// IV=(pool_id,offset)) — this package never generates or tracks nonces
// itself.
//
// Grounded on the AES-128-GCM recipe used by cuemby/warren's
// pkg/security.SecretsManager, adapted to accept an explicit IV instead of
// generating a random one, and extended with a two-part variant that
// authenticates a header and a payload in one call while laying them out
// contiguously in the ciphertext.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// KeySize is the required AEAD key length in bytes (128 bits).
	KeySize = 16

	// IVSize is the required IV length in bytes (128 bits).
	IVSize = 16

	// TagSize is the AEAD authentication tag length in bytes (128 bits).
	TagSize = 16
)

// ErrTagMismatch is returned by Open/OpenTwoPart when authentication fails.
// Callers in this codebase treat this as pool corruption (spec §7).
var ErrTagMismatch = errors.New("aead: tag mismatch")

// Cipher seals and opens data under a single fixed 128-bit key.
type Cipher struct {
	gcm cipher.AEAD
}

// New builds a Cipher from a 128-bit key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext under iv, authenticating aad alongside it, and
// returns (ciphertext, tag). len(ciphertext) == len(plaintext); the tag is
// returned separately so callers can lay it out wherever their on-disk
// format wants it (manifest slots store tag after the payload, object
// writes store it inline with the EPC entry).
func (c *Cipher) Seal(iv, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != IVSize {
		return nil, nil, fmt.Errorf("aead: iv must be %d bytes, got %d", IVSize, len(iv))
	}

	sealed := c.gcm.Seal(nil, iv, plaintext, aad)
	n := len(sealed) - TagSize

	return sealed[:n:n], sealed[n:], nil
}

// Open decrypts ciphertext under iv, verifying tag and aad. Returns
// ErrTagMismatch (wrapped) on authentication failure — never a partial or
// best-effort plaintext.
func (c *Cipher) Open(iv, aad, ciphertext, tag []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("aead: iv must be %d bytes, got %d", IVSize, len(iv))
	}

	if len(tag) != TagSize {
		return nil, fmt.Errorf("aead: tag must be %d bytes, got %d", TagSize, len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrTagMismatch)
	}

	return plaintext, nil
}

// SealTwoPart encrypts header followed by data as one plaintext, with no
// associated data, and returns the combined ciphertext (header bytes first,
// then data) and its tag separately. Manifest records and ulog chain frames
// are sealed with Seal, not with this function.
func (c *Cipher) SealTwoPart(iv, header, data []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != IVSize {
		return nil, nil, fmt.Errorf("aead: iv must be %d bytes, got %d", IVSize, len(iv))
	}

	combined := make([]byte, 0, len(header)+len(data))
	combined = append(combined, header...)
	combined = append(combined, data...)

	sealed := c.gcm.Seal(nil, iv, combined, nil)
	n := len(sealed) - TagSize

	return sealed[:n:n], sealed[n:], nil
}

// OpenTwoPart reverses SealTwoPart, splitting the recovered plaintext back
// into its header-sized prefix and the remaining payload.
func (c *Cipher) OpenTwoPart(iv, ciphertext, tag []byte, headerSize int) (header, data []byte, err error) {
	plaintext, err := c.Open(iv, nil, ciphertext, tag)
	if err != nil {
		return nil, nil, err
	}

	if headerSize > len(plaintext) {
		return nil, nil, fmt.Errorf("aead: header size %d exceeds plaintext length %d", headerSize, len(plaintext))
	}

	return plaintext[:headerSize], plaintext[headerSize:], nil
}

// IV builds the 128-bit IV the spec uses everywhere: a 64-bit context
// identifier (pool_id, or 0 for the manifest) and a 64-bit offset/slot
// value, big-endian packed into 16 bytes.
func IV(contextID, offset uint64) [IVSize]byte {
	var iv [IVSize]byte

	putUint64BE(iv[0:8], contextID)
	putUint64BE(iv[8:16], offset)

	return iv
}

func putUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
