package interfaces

import "context"

// AccessRequest is what the access policy oracle decides on.
type AccessRequest struct {
	Requester   string
	VideoRef    string
	CreatorRef  string
	PolicyScope string
}

// AccessPolicyOracle answers whether a requester may receive key material
// for a video. It is consulted before any unwrap or SEAL share release.
type AccessPolicyOracle interface {
	Authorized(ctx context.Context, req AccessRequest) (bool, error)
}

// KeyServer is one member of the threshold decryption quorum. The core only
// hands it document ids and sealed shares; the server decides on release.
type KeyServer interface {
	ID() string
	// PublicKey is the server's X25519 public key.
	PublicKey() []byte
	// DeriveShare opens the share sealed to this server for documentID,
	// after checking the requester against the policy scope embedded in
	// the document id.
	DeriveShare(
		ctx context.Context,
		documentID string,
		sealedShare []byte,
		requester string,
	) ([]byte, error)
}
