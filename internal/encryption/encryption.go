// Package encryption implements per-segment symmetric encryption for the
// DEK scheme. Every segment gets its own random AES-128 key and 96-bit
// nonce; AES-GCM authenticates the ciphertext and binds it to the segment's
// position so a swapped segment fails to open.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	// KeySize is the DEK length (AES-128).
	KeySize = 16
	// IVSize is the GCM nonce length.
	IVSize = 12
)

// SegmentKey is the plaintext key material of one segment. It only exists
// in memory between encryption and the custody wrap call.
type SegmentKey struct {
	DEK [KeySize]byte
	IV  [IVSize]byte
}

// Bytes returns dek ‖ iv, the form handed to key custody.
func (k SegmentKey) Bytes() []byte {
	out := make([]byte, 0, KeySize+IVSize)
	out = append(out, k.DEK[:]...)
	return append(out, k.IV[:]...)
}

// Zero overwrites the key material.
func (k *SegmentKey) Zero() {
	clear(k.DEK[:])
	clear(k.IV[:])
}

// SegmentKeyFromBytes parses dek ‖ iv.
func SegmentKeyFromBytes(b []byte) (SegmentKey, error) {
	var k SegmentKey
	if len(b) != KeySize+IVSize {
		return k, fmt.Errorf("segment key: expected %d bytes, got %d", KeySize+IVSize, len(b))
	}
	copy(k.DEK[:], b[:KeySize])
	copy(k.IV[:], b[KeySize:])
	return k, nil
}

// SegmentEncryptor encrypts segments under fresh random keys.
type SegmentEncryptor struct {
	rand io.Reader
}

// NewSegmentEncryptor returns an encryptor reading randomness from
// crypto/rand.
func NewSegmentEncryptor() *SegmentEncryptor {
	return &SegmentEncryptor{rand: rand.Reader}
}

// Encrypt seals the segment payload under a newly generated key. Callers
// release seg.Data once every pipeline is done with it.
func (e *SegmentEncryptor) Encrypt(seg *model.Segment) ([]byte, SegmentKey, error) {
	var key SegmentKey
	if _, err := io.ReadFull(e.rand, key.DEK[:]); err != nil {
		return nil, SegmentKey{}, fmt.Errorf("%w: generate dek: %v", errs.ErrEncryptionFailure, err)
	}
	if _, err := io.ReadFull(e.rand, key.IV[:]); err != nil {
		return nil, SegmentKey{}, fmt.Errorf("%w: generate iv: %v", errs.ErrEncryptionFailure, err)
	}
	ciphertext, err := seal(key, seg.Data, segmentAAD(seg.Quality, seg.Index))
	if err != nil {
		return nil, SegmentKey{}, err
	}
	return ciphertext, key, nil
}

// Decrypt opens a DEK-scheme segment. Any modification of the ciphertext
// or a mismatching quality/index fails.
func Decrypt(ciphertext []byte, key SegmentKey, quality string, index int) ([]byte, error) {
	gcm, err := newGCM(key.DEK[:])
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, key.IV[:], ciphertext, segmentAAD(quality, index))
	if err != nil {
		return nil, fmt.Errorf("decrypt segment %s: %w", model.SegmentIdentifier(quality, index), err)
	}
	return plain, nil
}

func seal(key SegmentKey, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key.DEK[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionFailure, err)
	}
	return gcm.Seal(nil, key.IV[:], plaintext, aad), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func segmentAAD(quality string, index int) []byte {
	return []byte("ouroboros-media/segment/" + model.SegmentIdentifier(quality, index))
}
