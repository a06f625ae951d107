// Package seal implements threshold encryption of segments. A random
// AES-256 key encrypts the segment; the key is split into Shamir shares
// and every share is sealed to one key server. Decryption requires a quorum
// of key servers to release their shares, each of them checking the access
// policy embedded in the document id first.
//
// Ciphertext layout:
//
//	version(1) ‖ len(docID)(2) ‖ docID ‖ threshold(1) ‖ count(1)
//	‖ count × (len(serverID)(2) ‖ serverID ‖ len(share)(2) ‖ sealedShare)
//	‖ nonce(12) ‖ AES-256-GCM(segment, aad=docID)
package seal

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	// BackupKeySize is the length of the per-segment content key.
	BackupKeySize = 32

	envelopeVersion = 1
	gcmNonceSize    = 12
)

var errMalformedEnvelope = errors.New("seal: malformed ciphertext")

// Result is the output of encrypting one segment.
type Result struct {
	Ciphertext []byte
	DocumentID DocumentID
	// BackupKey decrypts Ciphertext without any key server. It must only
	// be persisted custody-wrapped.
	BackupKey []byte
}

// Encryptor threshold-encrypts segments to a fixed set of key servers.
type Encryptor struct {
	servers   []interfaces.KeyServer
	threshold int
	rand      io.Reader
}

// NewEncryptor returns an encryptor requiring threshold of servers to
// cooperate for decryption.
func NewEncryptor(servers []interfaces.KeyServer, threshold int) (*Encryptor, error) {
	if len(servers) == 0 {
		return nil, errors.New("seal: no key servers configured")
	}
	if threshold < 1 || threshold > len(servers) || len(servers) > 255 {
		return nil, fmt.Errorf("seal: invalid threshold %d of %d key servers", threshold, len(servers))
	}
	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		if seen[s.ID()] {
			return nil, fmt.Errorf("seal: duplicate key server id %q", s.ID())
		}
		seen[s.ID()] = true
	}
	return &Encryptor{servers: servers, threshold: threshold, rand: rand.Reader}, nil
}

// Threshold returns the number of shares required for decryption.
func (e *Encryptor) Threshold() uint8 {
	return uint8(e.threshold)
}

// KeyServerIDs returns the ids of the key servers holding shares, in
// share order.
func (e *Encryptor) KeyServerIDs() []string {
	ids := make([]string, len(e.servers))
	for i, s := range e.servers {
		ids[i] = s.ID()
	}
	return ids
}

// Binding names what a SEAL ciphertext is bound to. Key servers see all of
// it through the document id.
type Binding struct {
	PolicyScope string
	CreatorRef  string
	VideoID     string
}

// Encrypt threshold-encrypts seg under a document id derived from b and the
// segment's position.
func (e *Encryptor) Encrypt(seg *model.Segment, b Binding) (Result, error) {
	if b.VideoID == "" {
		return Result{}, fmt.Errorf("%w: seal: empty video id", errs.ErrEncryptionFailure)
	}
	doc := DocumentID{
		Scope:   b.PolicyScope,
		Creator: b.CreatorRef,
		VideoID: b.VideoID,
		Segment: seg.Identifier(),
	}
	if _, err := io.ReadFull(e.rand, doc.Nonce[:]); err != nil {
		return Result{}, fmt.Errorf("%w: document nonce: %v", errs.ErrEncryptionFailure, err)
	}
	docBytes := doc.Bytes()
	if len(docBytes) > maxFieldSize {
		return Result{}, fmt.Errorf("%w: seal: document id of %d bytes", errs.ErrEncryptionFailure, len(docBytes))
	}

	key := make([]byte, BackupKeySize)
	if _, err := io.ReadFull(e.rand, key); err != nil {
		return Result{}, fmt.Errorf("%w: content key: %v", errs.ErrEncryptionFailure, err)
	}

	shares, err := splitSecret(e.rand, key, len(e.servers), e.threshold)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrEncryptionFailure, err)
	}

	var buf bytes.Buffer
	buf.WriteByte(envelopeVersion)
	writeField(&buf, docBytes)
	buf.WriteByte(byte(e.threshold))
	buf.WriteByte(byte(len(e.servers)))
	for i, server := range e.servers {
		sealed, err := sealShare(e.rand, server.ID(), server.PublicKey(), docBytes, shares[i])
		clear(shares[i])
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", errs.ErrEncryptionFailure, err)
		}
		writeField(&buf, []byte(server.ID()))
		writeField(&buf, sealed)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return Result{}, fmt.Errorf("%w: nonce: %v", errs.ErrEncryptionFailure, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", errs.ErrEncryptionFailure, err)
	}
	buf.Write(nonce)
	out := gcm.Seal(buf.Bytes(), nonce, seg.Data, docBytes)

	return Result{Ciphertext: out, DocumentID: doc, BackupKey: key}, nil
}

type sealedShareEntry struct {
	serverID string
	share    []byte
}

type envelope struct {
	documentID []byte
	threshold  int
	shares     []sealedShareEntry
	nonce      []byte
	body       []byte
}

func parseEnvelope(ciphertext []byte) (*envelope, error) {
	r := bytes.NewReader(ciphertext)
	version, err := r.ReadByte()
	if err != nil || version != envelopeVersion {
		return nil, fmt.Errorf("%w: version", errMalformedEnvelope)
	}
	env := &envelope{}
	if env.documentID, err = readField(r); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	threshold, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: threshold", errMalformedEnvelope)
	}
	count, err := r.ReadByte()
	if err != nil || threshold == 0 || threshold > count {
		return nil, fmt.Errorf("%w: share count", errMalformedEnvelope)
	}
	env.threshold = int(threshold)
	for i := 0; i < int(count); i++ {
		id, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
		}
		share, err := readField(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
		}
		env.shares = append(env.shares, sealedShareEntry{serverID: string(id), share: share})
	}
	env.nonce = make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(r, env.nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce", errMalformedEnvelope)
	}
	env.body = ciphertext[len(ciphertext)-r.Len():]
	return env, nil
}

func (env *envelope) open(key []byte) ([]byte, error) {
	if len(key) != BackupKeySize {
		return nil, fmt.Errorf("seal: content key must be %d bytes", BackupKeySize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, env.nonce, env.body, env.documentID)
	if err != nil {
		return nil, fmt.Errorf("seal: open segment: %w", err)
	}
	return plain, nil
}

// DocumentIDOf returns the document id a ciphertext was sealed under.
func DocumentIDOf(ciphertext []byte) (DocumentID, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return DocumentID{}, err
	}
	return parseDocumentIDBytes(env.documentID)
}

// Decryptor recovers segments by collecting shares from key servers.
type Decryptor struct {
	servers map[string]interfaces.KeyServer
}

// NewDecryptor returns a decryptor that can query servers.
func NewDecryptor(servers []interfaces.KeyServer) *Decryptor {
	m := make(map[string]interfaces.KeyServer, len(servers))
	for _, s := range servers {
		m[s.ID()] = s
	}
	return &Decryptor{servers: m}
}

// Decrypt asks key servers for their shares on behalf of requester until
// the threshold is met. If the quorum cannot be reached the collected
// server errors are returned; a policy refusal surfaces as
// errs.ErrPolicyDenied.
func (d *Decryptor) Decrypt(ctx context.Context, ciphertext []byte, requester string) ([]byte, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocumentIDBytes(env.documentID)
	if err != nil {
		return nil, err
	}
	docID := doc.String()

	var (
		shares   [][]byte
		failures []error
	)
	for _, entry := range env.shares {
		if len(shares) == env.threshold {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		server, ok := d.servers[entry.serverID]
		if !ok {
			failures = append(failures, fmt.Errorf("key server %s: unknown", entry.serverID))
			continue
		}
		share, err := server.DeriveShare(ctx, docID, entry.share, requester)
		if err != nil {
			failures = append(failures, fmt.Errorf("key server %s: %w", entry.serverID, err))
			continue
		}
		shares = append(shares, share)
	}
	if len(shares) < env.threshold {
		return nil, fmt.Errorf(
			"seal: quorum not reached (%d of %d shares): %w",
			len(shares), env.threshold, errors.Join(failures...),
		)
	}

	key, err := combineShares(shares)
	for _, s := range shares {
		clear(s)
	}
	if err != nil {
		return nil, err
	}
	defer clear(key)
	return env.open(key)
}

// DecryptWithBackupKey opens ciphertext without contacting key servers.
func DecryptWithBackupKey(ciphertext, backupKey []byte) ([]byte, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	return env.open(backupKey)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: aes: %w", err)
	}
	return cipher.NewGCM(block)
}
