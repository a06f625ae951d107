package seal

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

// LocalKeyServer is an in-process key server. It holds an X25519 private
// key and releases a share only after the access policy oracle approves
// the requester for the scope and video embedded in the document id.
type LocalKeyServer struct {
	id     string
	priv   *ecdh.PrivateKey
	oracle interfaces.AccessPolicyOracle
	log    *slog.Logger
}

// NewLocalKeyServer creates a key server with a fresh key pair.
func NewLocalKeyServer(
	id string,
	oracle interfaces.AccessPolicyOracle,
	log *slog.Logger,
) (*LocalKeyServer, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: %w", id, err)
	}
	return newLocalKeyServer(id, priv, oracle, log), nil
}

// LoadLocalKeyServer creates a key server from a stored X25519 private key.
func LoadLocalKeyServer(
	id string,
	privateKey []byte,
	oracle interfaces.AccessPolicyOracle,
	log *slog.Logger,
) (*LocalKeyServer, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: %w", id, err)
	}
	return newLocalKeyServer(id, priv, oracle, log), nil
}

func newLocalKeyServer(
	id string,
	priv *ecdh.PrivateKey,
	oracle interfaces.AccessPolicyOracle,
	log *slog.Logger,
) *LocalKeyServer {
	if log == nil {
		log = slog.Default()
	}
	return &LocalKeyServer{
		id:     id,
		priv:   priv,
		oracle: oracle,
		log:    log.With("keyServer", id),
	}
}

// ID returns the server id.
func (k *LocalKeyServer) ID() string { return k.id }

// PublicKey returns the X25519 public key shares are sealed to.
func (k *LocalKeyServer) PublicKey() []byte { return k.priv.PublicKey().Bytes() }

// PrivateKey returns the raw private key for persistence.
func (k *LocalKeyServer) PrivateKey() []byte { return k.priv.Bytes() }

// DeriveShare implements interfaces.KeyServer.
func (k *LocalKeyServer) DeriveShare(
	ctx context.Context,
	documentID string,
	sealedShare []byte,
	requester string,
) ([]byte, error) {
	doc, err := ParseDocumentID(documentID)
	if err != nil {
		return nil, err
	}
	ok, err := k.oracle.Authorized(ctx, interfaces.AccessRequest{
		Requester:   requester,
		VideoRef:    doc.VideoID,
		CreatorRef:  doc.Creator,
		PolicyScope: doc.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("seal: policy check: %w", err)
	}
	if !ok {
		k.log.Debug("share release denied", "requester", requester, "video", doc.VideoID, "segment", doc.Segment)
		return nil, errs.ErrPolicyDenied
	}
	return openShare(k.priv, k.id, doc.Bytes(), sealedShare)
}
