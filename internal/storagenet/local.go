// Package storagenet provides the storage network implementations used by
// ouroboros-media: an in-process reference network that erasure codes blobs
// into slivers, an HTTP handler exposing any network, and the matching
// HTTP client.
package storagenet

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/i5heu/ouroboros-media/internal/erasure"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

const (
	defaultDataShards   = 4
	defaultParityShards = 2
	defaultUnitSize     = 1 << 20
	defaultPricePerUnit = 1
	defaultPendingTTL   = 10 * time.Minute
)

// LocalConfig configures a LocalNetwork.
type LocalConfig struct {
	DataShards   uint8
	ParityShards uint8
	// UnitSize is the billing granularity in encoded bytes.
	UnitSize int
	// PricePerUnit is charged per unit and epoch.
	PricePerUnit uint64
	// MaxPending is the number of uncertified registrations the network
	// accepts before reporting overload. Zero means unlimited.
	MaxPending int
	// PendingTTL is how long an uncertified registration is held before
	// it is dropped.
	PendingTTL time.Duration
	Clock      interfaces.Clock
	Logger     *slog.Logger
}

type pendingBlob struct {
	address string
	slivers []erasure.Sliver
	epochs  uint32
	owner   string
	expires time.Time
}

// blobKey identifies one owner's registration of one blob.
type blobKey struct {
	address string
	owner   string
	epochs  uint32
}

// certifiedHandle lets a handle be certified again until it expires.
type certifiedHandle struct {
	address string
	owner   string
	expires time.Time
}

type storedBlob struct {
	slivers []erasure.Sliver
	epochs  uint32
	owner   string
}

// LocalNetwork is an in-memory storage network. Blobs are content
// addressed by blake2b-256 and stored as Reed-Solomon slivers; Read
// reconstructs them even with up to ParityShards slivers lost.
type LocalNetwork struct {
	cfg LocalConfig
	log *slog.Logger

	mu        sync.Mutex
	pending   map[string]pendingBlob
	byBlob    map[blobKey]string
	certified map[string]certifiedHandle
	blobs     map[string]storedBlob
	overload  int
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork(cfg LocalConfig) *LocalNetwork {
	if cfg.DataShards == 0 {
		cfg.DataShards = defaultDataShards
	}
	if cfg.ParityShards == 0 {
		cfg.ParityShards = defaultParityShards
	}
	if cfg.UnitSize <= 0 {
		cfg.UnitSize = defaultUnitSize
	}
	if cfg.PricePerUnit == 0 {
		cfg.PricePerUnit = defaultPricePerUnit
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = interfaces.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalNetwork{
		cfg:       cfg,
		log:       cfg.Logger,
		pending:   make(map[string]pendingBlob),
		byBlob:    make(map[blobKey]string),
		certified: make(map[string]certifiedHandle),
		blobs:     make(map[string]storedBlob),
	}
}

// InjectOverload makes the next n Register calls fail with
// errs.ErrStorageNodeOverload.
func (n *LocalNetwork) InjectOverload(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.overload = count
}

// Address returns the content address of blob.
func Address(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Cost returns what storing blob for epochs costs on this network.
func (n *LocalNetwork) Cost(encodedSize int, epochs uint32) uint64 {
	units := (encodedSize + n.cfg.UnitSize - 1) / n.cfg.UnitSize
	if units == 0 {
		units = 1
	}
	return uint64(units) * uint64(epochs) * n.cfg.PricePerUnit
}

// Register implements interfaces.StorageNetwork. Registering a blob the
// same signer already holds an uncertified registration for returns that
// registration again instead of adding another one.
func (n *LocalNetwork) Register(
	ctx context.Context,
	blob []byte,
	epochs uint32,
	signer interfaces.Signer,
) (interfaces.Provisional, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Provisional{}, err
	}
	if epochs == 0 {
		return interfaces.Provisional{}, fmt.Errorf("storagenet: epochs must be positive")
	}
	if err := n.authorize(signer, RegisterMessage(blob, epochs)); err != nil {
		return interfaces.Provisional{}, err
	}

	key := blobKey{address: Address(blob), owner: signer.Address(), epochs: epochs}

	n.mu.Lock()
	if n.overload > 0 {
		n.overload--
		n.mu.Unlock()
		return interfaces.Provisional{}, fmt.Errorf("storagenet: injected: %w", errs.ErrStorageNodeOverload)
	}
	now := n.cfg.Clock.Now()
	n.expireLocked(now)
	if handle, ok := n.byBlob[key]; ok {
		p := n.pending[handle]
		p.expires = now.Add(n.cfg.PendingTTL)
		n.pending[handle] = p
		n.mu.Unlock()
		return interfaces.Provisional{
			Handle: handle,
			Cost:   n.Cost(erasure.EncodedSize(p.slivers), epochs),
		}, nil
	}
	if n.cfg.MaxPending > 0 && len(n.pending) >= n.cfg.MaxPending {
		n.mu.Unlock()
		return interfaces.Provisional{}, fmt.Errorf("storagenet: %d pending registrations: %w",
			n.cfg.MaxPending, errs.ErrStorageNodeOverload)
	}
	n.mu.Unlock()

	slivers, err := erasure.Encode(blob, n.cfg.DataShards, n.cfg.ParityShards)
	if err != nil {
		return interfaces.Provisional{}, fmt.Errorf("storagenet: %w", err)
	}
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return interfaces.Provisional{}, fmt.Errorf("storagenet: handle: %w", err)
	}
	handle := hex.EncodeToString(raw[:])

	cost := n.Cost(erasure.EncodedSize(slivers), epochs)

	n.mu.Lock()
	if existing, ok := n.byBlob[key]; ok {
		// A concurrent registration of the same blob got there first.
		n.mu.Unlock()
		return interfaces.Provisional{Handle: existing, Cost: cost}, nil
	}
	n.pending[handle] = pendingBlob{
		address: key.address,
		slivers: slivers,
		epochs:  epochs,
		owner:   key.owner,
		expires: n.cfg.Clock.Now().Add(n.cfg.PendingTTL),
	}
	n.byBlob[key] = handle
	n.mu.Unlock()

	return interfaces.Provisional{Handle: handle, Cost: cost}, nil
}

// Certify implements interfaces.StorageNetwork. Certifying a handle again
// returns its address until the handle expires.
func (n *LocalNetwork) Certify(
	ctx context.Context,
	handle string,
	signer interfaces.Signer,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := n.authorize(signer, CertifyMessage(handle)); err != nil {
		return "", err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.cfg.Clock.Now()
	n.expireLocked(now)
	p, ok := n.pending[handle]
	if !ok {
		c, done := n.certified[handle]
		if !done {
			return "", fmt.Errorf("storagenet: unknown handle %s: %w", handle, errs.ErrNotFound)
		}
		if c.owner != signer.Address() {
			return "", fmt.Errorf("storagenet: handle %s registered by another signer", handle)
		}
		return c.address, nil
	}
	if p.owner != signer.Address() {
		return "", fmt.Errorf("storagenet: handle %s registered by another signer", handle)
	}
	delete(n.pending, handle)
	delete(n.byBlob, blobKey{address: p.address, owner: p.owner, epochs: p.epochs})
	n.certified[handle] = certifiedHandle{address: p.address, owner: p.owner, expires: now.Add(n.cfg.PendingTTL)}
	if existing, ok := n.blobs[p.address]; ok && existing.epochs > p.epochs {
		p.epochs = existing.epochs
	}
	n.blobs[p.address] = storedBlob{slivers: p.slivers, epochs: p.epochs, owner: p.owner}
	n.log.Debug("blob certified", "address", p.address, "epochs", p.epochs)
	return p.address, nil
}

// Read implements interfaces.StorageNetwork.
func (n *LocalNetwork) Read(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	b, ok := n.blobs[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("storagenet: %s: %w", address, errs.ErrNotFound)
	}
	data, err := erasure.Decode(b.slivers)
	if err != nil {
		return nil, fmt.Errorf("storagenet: read %s: %w", address, err)
	}
	return data, nil
}

// DropSlivers removes slivers of a stored blob, simulating lost nodes.
func (n *LocalNetwork) DropSlivers(address string, indices ...uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.blobs[address]
	if !ok {
		return
	}
	drop := make(map[uint8]bool, len(indices))
	for _, i := range indices {
		drop[i] = true
	}
	kept := make([]erasure.Sliver, 0, len(b.slivers))
	for _, s := range b.slivers {
		if !drop[s.Index] {
			kept = append(kept, s)
		}
	}
	b.slivers = kept
	n.blobs[address] = b
}

// Pending returns the number of uncertified registrations still held.
func (n *LocalNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expireLocked(n.cfg.Clock.Now())
	return len(n.pending)
}

// expireLocked drops registrations and certified handles older than the
// pending TTL.
func (n *LocalNetwork) expireLocked(now time.Time) {
	for handle, p := range n.pending {
		if !now.Before(p.expires) {
			delete(n.pending, handle)
			key := blobKey{address: p.address, owner: p.owner, epochs: p.epochs}
			if n.byBlob[key] == handle {
				delete(n.byBlob, key)
			}
		}
	}
	for handle, c := range n.certified {
		if !now.Before(c.expires) {
			delete(n.certified, handle)
		}
	}
}

// Len returns the number of certified blobs.
func (n *LocalNetwork) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.blobs)
}

func (n *LocalNetwork) authorize(signer interfaces.Signer, message []byte) error {
	if signer == nil {
		return fmt.Errorf("storagenet: signer is required")
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return fmt.Errorf("storagenet: sign: %w", err)
	}
	if err := VerifySignature(signer.Address(), message, sig); err != nil {
		return err
	}
	return nil
}
