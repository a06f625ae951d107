// Package custody envelope-wraps key material under a server-held master
// key. Only wrapped blobs are ever handed to durable storage.
//
// Wrapped layout:
//
//	version(1) ‖ masterKeyID(8) ‖ nonce(24) ‖ XChaCha20-Poly1305(plain)
//
// version and masterKeyID are authenticated as associated data.
package custody

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	// MasterKeySize is the length of the custody master key.
	MasterKeySize = chacha20poly1305.KeySize

	wrapVersion = 1
	keyIDSize   = 8
	headerSize  = 1 + keyIDSize
)

// Service wraps and unwraps key material.
type Service struct {
	aead  cipher.AEAD
	keyID [keyIDSize]byte
}

// New creates a custody service around masterKey. The key is copied into
// the cipher state; callers may zero their copy afterwards.
func New(masterKey []byte) (*Service, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("custody: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}
	s := &Service{aead: aead}
	sum := sha256.Sum256(masterKey)
	copy(s.keyID[:], sum[:keyIDSize])
	return s, nil
}

// KeyID returns the hex identifier of the master key, safe to log.
func (s *Service) KeyID() string {
	return hex.EncodeToString(s.keyID[:])
}

// Wrap encrypts plain under the master key.
func (s *Service) Wrap(plain []byte) (model.WrappedKeyMaterial, error) {
	if len(plain) == 0 {
		return nil, fmt.Errorf("custody: refusing to wrap empty key material")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("custody: generate nonce: %w", err)
	}

	header := s.header()
	out := make([]byte, 0, headerSize+len(nonce)+len(plain)+s.aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plain, header)
	return out, nil
}

func (s *Service) header() []byte {
	h := make([]byte, 0, headerSize)
	h = append(h, wrapVersion)
	return append(h, s.keyID[:]...)
}

// Unwrap authenticates and decrypts a wrapped blob. Every failure is
// reported as errs.ErrKeyWrapIntegrity and returns no key bytes.
func (s *Service) Unwrap(wrapped model.WrappedKeyMaterial) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(wrapped) < headerSize+nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrKeyWrapIntegrity)
	}
	header := wrapped[:headerSize]
	if header[0] != wrapVersion {
		return nil, fmt.Errorf("%w: unknown version %d", errs.ErrKeyWrapIntegrity, header[0])
	}
	nonce := wrapped[headerSize : headerSize+nonceSize]
	plain, err := s.aead.Open(nil, nonce, wrapped[headerSize+nonceSize:], header)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", errs.ErrKeyWrapIntegrity)
	}
	return plain, nil
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("custody: generate master key: %w", err)
	}
	return key, nil
}

// ParseMasterKey decodes a hex encoded master key.
func ParseMasterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("custody: decode master key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("custody: master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}

// LoadMasterKeyFile reads a hex encoded master key from path.
func LoadMasterKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("custody: read master key: %w", err)
	}
	return ParseMasterKey(string(data))
}

// Zero overwrites b.
func Zero(b []byte) {
	clear(b)
}
