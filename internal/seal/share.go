package seal

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// A sealed share is ephemeralPublicKey(32) ‖ ChaCha20-Poly1305(share). The
// AEAD key is HKDF-SHA256 over the X25519 secret between the ephemeral key
// and the key server, salted with the document id. The document id is also
// the associated data, so a share cannot be replayed under another document.

const ephemeralKeySize = 32

var errShareOpen = errors.New("seal: cannot open share")

func sealShare(
	r io.Reader,
	serverID string,
	serverPublicKey []byte,
	documentID []byte,
	share []byte,
) ([]byte, error) {
	curve := ecdh.X25519()
	pub, err := curve.NewPublicKey(serverPublicKey)
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s public key: %w", serverID, err)
	}
	eph, err := curve.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("seal: ephemeral key: %w", err)
	}
	secret, err := eph.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("seal: ecdh with %s: %w", serverID, err)
	}
	ephPub := eph.PublicKey().Bytes()

	aead, err := shareAEAD(secret, serverID, ephPub, documentID)
	clear(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	out := make([]byte, 0, len(ephPub)+len(share)+aead.Overhead())
	out = append(out, ephPub...)
	return aead.Seal(out, nonce, share, documentID), nil
}

func openShare(
	priv *ecdh.PrivateKey,
	serverID string,
	documentID []byte,
	sealed []byte,
) ([]byte, error) {
	if len(sealed) < ephemeralKeySize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", errShareOpen)
	}
	ephPub := sealed[:ephemeralKeySize]
	pub, err := ecdh.X25519().NewPublicKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errShareOpen, err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errShareOpen, err)
	}
	aead, err := shareAEAD(secret, serverID, ephPub, documentID)
	clear(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	share, err := aead.Open(nil, nonce, sealed[ephemeralKeySize:], documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", errShareOpen)
	}
	return share, nil
}

func shareAEAD(secret []byte, serverID string, ephPub, documentID []byte) (cipher.AEAD, error) {
	info := make([]byte, 0, 64+len(serverID))
	info = append(info, "ouroboros-media/seal-share/v1/"...)
	info = append(info, serverID...)
	info = append(info, ephPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, documentID, info), key); err != nil {
		return nil, fmt.Errorf("seal: derive share key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	clear(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return aead, nil
}
