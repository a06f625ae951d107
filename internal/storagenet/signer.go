package storagenet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var errBadSignature = errors.New("storagenet: invalid signature")

// Ed25519Signer is a wallet backed by an ed25519 key. Its address is the
// hex encoded public key, so anyone can verify its signatures.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("storagenet: generate signer: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// NewSigner creates a signer from a 32-byte seed.
func NewSigner(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("storagenet: signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// LoadSignerFile reads a hex encoded seed from path.
func LoadSignerFile(path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storagenet: read signer: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("storagenet: decode signer seed: %w", err)
	}
	return NewSigner(seed)
}

// Seed returns the private seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.priv.Seed()
}

// Address returns the hex public key.
func (s *Ed25519Signer) Address() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// Sign signs message.
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

// VerifySignature checks sig over message against a signer address.
func VerifySignature(address string, message, sig []byte) error {
	pub, err := hex.DecodeString(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed signer address", errBadSignature)
	}
	if !ed25519.Verify(pub, message, sig) {
		return errBadSignature
	}
	return nil
}

// RegisterMessage is what a signer signs to pay for storing blob.
func RegisterMessage(blob []byte, epochs uint32) []byte {
	sum := blake2b.Sum256(blob)
	var msg bytes.Buffer
	msg.WriteString("ouroboros-media/register/v1")
	msg.Write(sum[:])
	_ = binary.Write(&msg, binary.BigEndian, epochs)
	return msg.Bytes()
}

// CertifyMessage is what a signer signs to certify a registration.
func CertifyMessage(handle string) []byte {
	return []byte("ouroboros-media/certify/v1" + handle)
}
