package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// PublicKeySize is the length of an X25519 public key.
	PublicKeySize = 32
	// NonceSize is the length of the server nonce used as HKDF salt.
	NonceSize = 32
	// SharedSecretSize is the length of the derived session secret.
	SharedSecretSize = 32

	sharedSecretInfo = "ouroboros-media playback v1"
	deliveryNonce    = 12
)

// GenerateClientKey returns a fresh X25519 key pair for a player.
func GenerateClientKey() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// DeriveSharedSecret computes HKDF-SHA256(X25519(own, other), salt =
// serverNonce). Client and server run the same function with their own
// private key and the other side's public key and obtain identical bytes.
func DeriveSharedSecret(own *ecdh.PrivateKey, otherPublicKey, serverNonce []byte) ([]byte, error) {
	if len(serverNonce) != NonceSize {
		return nil, fmt.Errorf("session: server nonce must be %d bytes, got %d", NonceSize, len(serverNonce))
	}
	pub, err := ecdh.X25519().NewPublicKey(otherPublicKey)
	if err != nil {
		return nil, fmt.Errorf("session: peer public key: %w", err)
	}
	raw, err := own.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("session: ecdh: %w", err)
	}
	defer clear(raw)

	secret := make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, serverNonce, []byte(sharedSecretInfo)), secret); err != nil {
		return nil, fmt.Errorf("session: hkdf: %w", err)
	}
	return secret, nil
}

// sealDelivery encrypts key material for the client: nonce(12) ‖
// AES-256-GCM(plaintext, aad).
func sealDelivery(secret, plaintext, aad []byte) ([]byte, error) {
	gcm, err := deliveryAEAD(secret)
	if err != nil {
		return nil, err
	}
	out := make([]byte, deliveryNonce, deliveryNonce+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("session: delivery nonce: %w", err)
	}
	return gcm.Seal(out, out[:deliveryNonce], plaintext, aad), nil
}

// OpenDelivery decrypts key material delivered under the session's shared
// secret. aad must match what the server sealed with.
func OpenDelivery(secret, delivery, aad []byte) ([]byte, error) {
	gcm, err := deliveryAEAD(secret)
	if err != nil {
		return nil, err
	}
	if len(delivery) < deliveryNonce+gcm.Overhead() {
		return nil, fmt.Errorf("session: delivery too short")
	}
	plain, err := gcm.Open(nil, delivery[:deliveryNonce], delivery[deliveryNonce:], aad)
	if err != nil {
		return nil, fmt.Errorf("session: open delivery: %w", err)
	}
	return plain, nil
}

func deliveryAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != SharedSecretSize {
		return nil, fmt.Errorf("session: shared secret must be %d bytes", SharedSecretSize)
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return cipher.NewGCM(block)
}
