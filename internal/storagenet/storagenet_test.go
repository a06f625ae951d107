package storagenet

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/logging"
)

func newSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	s, err := GenerateSigner()
	require.NoError(t, err)
	return s
}

func storeBlob(t *testing.T, net interfaces.StorageNetwork, signer interfaces.Signer, blob []byte) (string, uint64) {
	t.Helper()
	ctx := context.Background()
	p, err := net.Register(ctx, blob, 3, signer)
	require.NoError(t, err)
	addr, err := net.Certify(ctx, p.Handle, signer)
	require.NoError(t, err)
	return addr, p.Cost
}

func TestLocalNetwork_StoreAndRead(t *testing.T) {
	net := NewLocalNetwork(LocalConfig{UnitSize: 100, PricePerUnit: 2, Logger: logging.Discard()})
	signer := newSigner(t)
	blob := bytes.Repeat([]byte("ciphertext"), 50)

	addr, cost := storeBlob(t, net, signer, blob)
	require.Equal(t, Address(blob), addr)
	// 500 bytes over 4 data shards, 6 slivers of 125 bytes = 750 encoded bytes.
	require.Equal(t, uint64(8*3*2), cost)

	got, err := net.Read(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, blob, got)
	require.Equal(t, 1, net.Len())
}

func TestLocalNetwork_ReadSurvivesLostSlivers(t *testing.T) {
	net := NewLocalNetwork(LocalConfig{Logger: logging.Discard()})
	blob := bytes.Repeat([]byte{7, 8, 9}, 1000)
	addr, _ := storeBlob(t, net, newSigner(t), blob)

	net.DropSlivers(addr, 0, 5)
	got, err := net.Read(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	net.DropSlivers(addr, 1)
	_, err = net.Read(context.Background(), addr)
	require.Error(t, err)
}

func TestLocalNetwork_Overload(t *testing.T) {
	net := NewLocalNetwork(LocalConfig{MaxPending: 1, Logger: logging.Discard()})
	signer := newSigner(t)
	ctx := context.Background()

	p, err := net.Register(ctx, []byte("a"), 1, signer)
	require.NoError(t, err)
	_, err = net.Register(ctx, []byte("b"), 1, signer)
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)

	_, err = net.Certify(ctx, p.Handle, signer)
	require.NoError(t, err)
	_, err = net.Register(ctx, []byte("b"), 1, signer)
	require.NoError(t, err)

	net.InjectOverload(1)
	_, err = net.Register(ctx, []byte("c"), 1, signer)
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLocalNetwork_RetriedRegistrationsDoNotPileUp(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	net := NewLocalNetwork(LocalConfig{MaxPending: 2, PendingTTL: time.Minute, Clock: clk, Logger: logging.Discard()})
	signer := newSigner(t)
	ctx := context.Background()

	// A batch attempt registers two blobs and is abandoned.
	first, err := net.Register(ctx, []byte("a"), 1, signer)
	require.NoError(t, err)
	_, err = net.Register(ctx, []byte("b"), 1, signer)
	require.NoError(t, err)
	_, err = net.Register(ctx, []byte("c"), 1, signer)
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)

	// The retry registers the same blobs again without new entries.
	again, err := net.Register(ctx, []byte("a"), 1, signer)
	require.NoError(t, err)
	require.Equal(t, first.Handle, again.Handle)
	require.Equal(t, first.Cost, again.Cost)
	_, err = net.Register(ctx, []byte("b"), 1, signer)
	require.NoError(t, err)
	require.Equal(t, 2, net.Pending())

	addr, err := net.Certify(ctx, again.Handle, signer)
	require.NoError(t, err)
	require.Equal(t, Address([]byte("a")), addr)
	addr, err = net.Certify(ctx, first.Handle, signer)
	require.NoError(t, err, "certifying a handle twice is idempotent")
	require.Equal(t, Address([]byte("a")), addr)
	require.Equal(t, 1, net.Pending())

	// Abandoned registrations expire and free their slots.
	clk.Advance(time.Minute)
	require.Zero(t, net.Pending())
	_, err = net.Register(ctx, []byte("c"), 1, signer)
	require.NoError(t, err)
	_, err = net.Certify(ctx, first.Handle, signer)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLocalNetwork_CertifyRules(t *testing.T) {
	net := NewLocalNetwork(LocalConfig{Logger: logging.Discard()})
	owner, other := newSigner(t), newSigner(t)
	ctx := context.Background()

	_, err := net.Certify(ctx, "nope", owner)
	require.ErrorIs(t, err, errs.ErrNotFound)

	p, err := net.Register(ctx, []byte("x"), 1, owner)
	require.NoError(t, err)
	_, err = net.Certify(ctx, p.Handle, other)
	require.Error(t, err)

	_, err = net.Read(ctx, Address([]byte("x")))
	require.ErrorIs(t, err, errs.ErrNotFound, "uncertified blob must not be readable")

	_, err = net.Register(ctx, []byte("x"), 0, owner)
	require.Error(t, err)
}

type forgingSigner struct{ *Ed25519Signer }

func (f forgingSigner) Sign([]byte) ([]byte, error) { return make([]byte, 64), nil }

func TestLocalNetwork_RejectsBadSignature(t *testing.T) {
	net := NewLocalNetwork(LocalConfig{Logger: logging.Discard()})
	_, err := net.Register(context.Background(), []byte("x"), 1, forgingSigner{newSigner(t)})
	require.ErrorIs(t, err, errBadSignature)
}

func TestClientHandler_RoundTrip(t *testing.T) {
	local := NewLocalNetwork(LocalConfig{Logger: logging.Discard()})
	srv := httptest.NewServer(NewHandler(local, logging.Discard()))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	signer := newSigner(t)
	blob := []byte("remote ciphertext")

	addr, cost := storeBlob(t, client, signer, blob)
	require.Equal(t, Address(blob), addr)
	require.NotZero(t, cost)

	got, err := client.Read(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	_, err = client.Read(context.Background(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClientHandler_MapsOverload(t *testing.T) {
	local := NewLocalNetwork(LocalConfig{Logger: logging.Discard()})
	local.InjectOverload(1)
	srv := httptest.NewServer(NewHandler(local, logging.Discard()))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Register(context.Background(), []byte("x"), 1, newSigner(t))
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)
}

func TestHandler_RejectsUnsigned(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewLocalNetwork(LocalConfig{}), logging.Discard()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/blobs/?epochs=1", "application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/blobs/?epochs=zero", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignerPersistence(t *testing.T) {
	s := newSigner(t)
	path := filepath.Join(t.TempDir(), "signer.key")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(s.Seed())), 0o600))

	loaded, err := LoadSignerFile(path)
	require.NoError(t, err)
	require.Equal(t, s.Address(), loaded.Address())

	sig, err := loaded.Sign([]byte("m"))
	require.NoError(t, err)
	require.NoError(t, VerifySignature(s.Address(), []byte("m"), sig))
	require.Error(t, VerifySignature("zz", []byte("m"), sig))

	_, err = NewSigner([]byte("short"))
	require.Error(t, err)
}
