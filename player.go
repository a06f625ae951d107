package media

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/encryption"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/session"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

// Player is the client half of a playback session. It holds the player's
// ephemeral private key and, once attached, the shared secret.
type Player struct {
	priv   *ecdh.PrivateKey
	secret []byte
}

// NewPlayer generates a fresh ephemeral key pair.
func NewPlayer() (*Player, error) {
	priv, err := session.GenerateClientKey()
	if err != nil {
		return nil, err
	}
	return &Player{priv: priv}, nil
}

// PublicKey is sent to CreateSession.
func (p *Player) PublicKey() []byte {
	return p.priv.PublicKey().Bytes()
}

// Attach derives the shared secret from the server's handshake.
func (p *Player) Attach(serverPublicKey, serverNonce []byte) error {
	secret, err := session.DeriveSharedSecret(p.priv, serverPublicKey, serverNonce)
	if err != nil {
		return err
	}
	p.secret = secret
	return nil
}

// Forget drops the shared secret.
func (p *Player) Forget() {
	custody.Zero(p.secret)
	p.secret = nil
}

// DecryptSegment opens DEK segment ciphertext with the key delivered in km.
func (p *Player) DecryptSegment(km *KeyMaterial, ciphertext []byte) ([]byte, error) {
	if km.Ref.Scheme != model.SchemeDek || len(km.SealedKey) == 0 {
		return nil, errors.New("ouroboros-media: key material carries no DEK")
	}
	if p.secret == nil {
		return nil, errors.New("ouroboros-media: player is not attached to a session")
	}
	raw, err := session.OpenDelivery(p.secret, km.SealedKey, KeyDeliveryAAD(km.VideoID, km.Ref))
	if err != nil {
		return nil, err
	}
	defer custody.Zero(raw)
	key, err := encryption.SegmentKeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return encryption.Decrypt(ciphertext, key, km.Ref.Quality, km.Ref.Index)
}

// DecryptSealSegment asks the key servers for their shares of a SEAL
// segment and opens it. Each server applies the access policy itself.
func (p *Player) DecryptSealSegment(
	ctx context.Context,
	km *KeyMaterial,
	servers []interfaces.KeyServer,
	viewer string,
	ciphertext []byte,
) ([]byte, error) {
	if km.Seal == nil {
		return nil, errors.New("ouroboros-media: key material carries no SEAL metadata")
	}
	docID, err := seal.DocumentIDOf(ciphertext)
	if err != nil {
		return nil, err
	}
	if docID.String() != km.Seal.DocumentID {
		return nil, fmt.Errorf("ouroboros-media: ciphertext belongs to document %s, expected %s", docID, km.Seal.DocumentID)
	}
	return seal.NewDecryptor(servers).Decrypt(ctx, ciphertext, viewer)
}
