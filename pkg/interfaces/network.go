package interfaces

import "context"

// Signer is the caller-supplied signing capability (wallet) that
// authorizes storage network transactions.
type Signer interface {
	// Address identifies the signer towards the network.
	Address() string
	Sign(message []byte) ([]byte, error)
}

// Provisional is the result of announcing a blob to the storage network.
type Provisional struct {
	Handle string
	// Cost is denominated in the network's native unit.
	Cost uint64
}

// StorageNetwork is the client side of the content-addressed storage
// network. A blob is durable only after Certify succeeds. Implementations
// report node overload by wrapping errs.ErrStorageNodeOverload.
type StorageNetwork interface {
	Register(
		ctx context.Context,
		blob []byte,
		epochs uint32,
		signer Signer,
	) (Provisional, error)
	Certify(ctx context.Context, handle string, signer Signer) (string, error)
	Read(ctx context.Context, address string) ([]byte, error)
}
