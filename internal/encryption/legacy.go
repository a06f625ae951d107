package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

// RootSecretSize is the length of a legacy per-video root secret.
const RootSecretSize = 32

// DeriveSegmentKey derives the key and nonce of one segment of a legacy
// root-secret video. The derivation is keyed by video id, quality and index
// so every segment still gets a distinct key/nonce pair, but a leaked root
// secret exposes the whole video.
func DeriveSegmentKey(rootSecret []byte, videoID, quality string, index int) (SegmentKey, error) {
	var key SegmentKey
	if len(rootSecret) != RootSecretSize {
		return key, fmt.Errorf("root secret: expected %d bytes, got %d", RootSecretSize, len(rootSecret))
	}
	info := []byte("ouroboros-media/root-secret/v1/" + videoID + "/" + model.SegmentIdentifier(quality, index))
	kdf := hkdf.New(sha256.New, rootSecret, []byte(videoID), info)
	if _, err := io.ReadFull(kdf, key.DEK[:]); err != nil {
		return SegmentKey{}, fmt.Errorf("derive dek: %w", err)
	}
	if _, err := io.ReadFull(kdf, key.IV[:]); err != nil {
		return SegmentKey{}, fmt.Errorf("derive iv: %w", err)
	}
	return key, nil
}

// RootSecretEncryptor writes legacy root-secret videos. New uploads use
// SegmentEncryptor; this exists to produce and migrate legacy content.
type RootSecretEncryptor struct {
	videoID    string
	rootSecret []byte
}

// NewRootSecretEncryptor creates a legacy encryptor with a fresh root
// secret for videoID.
func NewRootSecretEncryptor(videoID string) (*RootSecretEncryptor, error) {
	secret := make([]byte, RootSecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("%w: generate root secret: %v", errs.ErrEncryptionFailure, err)
	}
	return &RootSecretEncryptor{videoID: videoID, rootSecret: secret}, nil
}

// RootSecret returns the secret that must be custody-wrapped once per
// video.
func (e *RootSecretEncryptor) RootSecret() []byte {
	return e.rootSecret
}

// Encrypt seals seg under its derived key.
func (e *RootSecretEncryptor) Encrypt(seg *model.Segment) ([]byte, error) {
	key, err := DeriveSegmentKey(e.rootSecret, e.videoID, seg.Quality, seg.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionFailure, err)
	}
	defer key.Zero()
	return seal(key, seg.Data, segmentAAD(seg.Quality, seg.Index))
}

// Zero overwrites the root secret.
func (e *RootSecretEncryptor) Zero() {
	clear(e.rootSecret)
}
