package session

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/logging"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

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

type memStore struct {
	mu       sync.Mutex
	sessions map[string]model.PlaybackSession
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]model.PlaybackSession{}}
}

func (m *memStore) PutSession(_ context.Context, s model.PlaybackSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (model.PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.PlaybackSession{}, errs.ErrNotFound
	}
	return s, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func newTestService(t *testing.T) (*Service, *fakeClock, *memStore) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	svc, err := NewService(Config{
		Store:       store,
		Clock:       clk,
		Window:      10 * time.Minute,
		MaxLifetime: 30 * time.Minute,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	return svc, clk, store
}

func openSession(t *testing.T, svc *Service) (Handshake, *ecdh.PrivateKey) {
	t.Helper()
	client, err := GenerateClientKey()
	require.NoError(t, err)
	hs, err := svc.Create(context.Background(), CreateRequest{
		VideoID:           "video-1",
		Viewer:            "alice",
		ClientPublicKey:   client.PublicKey().Bytes(),
		DeviceFingerprint: "device-a",
	})
	require.NoError(t, err)
	return hs, client
}

func TestSharedSecretAgreement(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		client, err := GenerateClientKey()
		if err != nil {
			t.Fatal(err)
		}
		server, err := GenerateClientKey()
		if err != nil {
			t.Fatal(err)
		}
		nonce := rapid.SliceOfN(rapid.Byte(), NonceSize, NonceSize).Draw(t, "nonce")

		a, err := DeriveSharedSecret(server, client.PublicKey().Bytes(), nonce)
		if err != nil {
			t.Fatal(err)
		}
		b, err := DeriveSharedSecret(client, server.PublicKey().Bytes(), nonce)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("secrets differ: %x vs %x", a, b)
		}
		if len(a) != SharedSecretSize {
			t.Fatalf("secret length %d", len(a))
		}
	})
}

func TestSharedSecretDependsOnNonce(t *testing.T) {
	client, _ := GenerateClientKey()
	server, _ := GenerateClientKey()
	n1 := bytes.Repeat([]byte{1}, NonceSize)
	n2 := bytes.Repeat([]byte{2}, NonceSize)
	a, err := DeriveSharedSecret(server, client.PublicKey().Bytes(), n1)
	require.NoError(t, err)
	b, err := DeriveSharedSecret(server, client.PublicKey().Bytes(), n2)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = DeriveSharedSecret(server, client.PublicKey().Bytes(), n1[:4])
	require.Error(t, err)
}

func TestCreate_PersistsOnlyPublicState(t *testing.T) {
	svc, clk, store := newTestService(t)
	hs, client := openSession(t, svc)

	require.Len(t, hs.ServerPublicKey, PublicKeySize)
	require.Len(t, hs.ServerNonce, NonceSize)
	require.Equal(t, clk.Now().Add(10*time.Minute), hs.ExpiresAt)
	require.NotEqual(t, hs.Token, hs.SessionID)

	sess, err := store.GetSession(context.Background(), hs.SessionID)
	require.NoError(t, err)
	require.Equal(t, client.PublicKey().Bytes(), sess.ClientPublicKey)
	require.Equal(t, hs.ServerPublicKey, sess.ServerPublicKey)
	require.Equal(t, "alice", sess.ViewerRef)
	require.Len(t, sess.DeviceFingerprintHash, 64)
	require.NotContains(t, sess.DeviceFingerprintHash, "device-a")
	require.Equal(t, 1, svc.Keys().Len())
}

func TestCreate_RejectsBadClientKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{VideoID: "v", ClientPublicKey: []byte("short")})
	require.Error(t, err)
	_, err = svc.Create(context.Background(), CreateRequest{ClientPublicKey: make([]byte, 32)})
	require.Error(t, err)
}

func TestSeal_ClientOpensDelivery(t *testing.T) {
	svc, _, _ := newTestService(t)
	hs, client := openSession(t, svc)

	aad := []byte("dek/720p/0")
	delivery, sess, err := svc.Seal(context.Background(), hs.Token, []byte("dek||iv"), aad)
	require.NoError(t, err)
	require.Equal(t, hs.SessionID, sess.ID)

	secret, err := DeriveSharedSecret(client, hs.ServerPublicKey, hs.ServerNonce)
	require.NoError(t, err)
	plain, err := OpenDelivery(secret, delivery, aad)
	require.NoError(t, err)
	require.Equal(t, []byte("dek||iv"), plain)

	_, err = OpenDelivery(secret, delivery, []byte("dek/720p/1"))
	require.Error(t, err)
}

func TestRefresh_NeverDecreasesAndIsCapped(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()
	hs, _ := openSession(t, svc)

	prev := hs.ExpiresAt
	clk.Advance(5 * time.Minute)
	exp, err := svc.Refresh(ctx, hs.Token)
	require.NoError(t, err)
	require.True(t, exp.After(prev), "refresh must extend expiry")
	require.Equal(t, clk.Now().Add(10*time.Minute), exp)
	prev = exp

	// Refresh with no time passing cannot extend and reports the expiry.
	exp, err = svc.Refresh(ctx, hs.Token)
	require.ErrorIs(t, err, errs.ErrSessionNotExtended)
	require.Equal(t, prev, exp)

	// Keep refreshing: every success strictly extends, up to the cap of
	// creation + max lifetime.
	hardLimit := hs.ExpiresAt.Add(20 * time.Minute)
	capped := false
	for i := 0; i < 5 && !capped; i++ {
		clk.Advance(5 * time.Minute)
		exp, err = svc.Refresh(ctx, hs.Token)
		if errors.Is(err, errs.ErrSessionNotExtended) {
			require.Equal(t, hardLimit, exp)
			capped = true
			continue
		}
		require.NoError(t, err)
		require.True(t, exp.After(prev))
		prev = exp
	}
	require.True(t, capped)
	require.Equal(t, hardLimit, prev)

	// A capped session is still usable until its expiry.
	_, err = svc.Get(ctx, hs.Token)
	require.NoError(t, err)

	// Past the hard lifetime the session is gone regardless of refreshes.
	clk.Advance(30 * time.Minute)
	_, err = svc.Refresh(ctx, hs.Token)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestRefresh_UpdatesLastActivity(t *testing.T) {
	svc, clk, store := newTestService(t)
	hs, _ := openSession(t, svc)
	clk.Advance(time.Minute)
	_, err := svc.Refresh(context.Background(), hs.Token)
	require.NoError(t, err)
	sess, err := store.GetSession(context.Background(), hs.SessionID)
	require.NoError(t, err)
	require.Equal(t, clk.Now(), sess.LastActivity)
}

func TestExpiredEqualsNotFound(t *testing.T) {
	svc, clk, store := newTestService(t)
	ctx := context.Background()
	hs, _ := openSession(t, svc)

	clk.Advance(10 * time.Minute)
	_, errExpired := svc.Get(ctx, hs.Token)
	_, errMissing := svc.Get(ctx, "never-issued")

	require.ErrorIs(t, errExpired, errs.ErrSessionNotFound)
	require.Equal(t, errMissing, errExpired)
	require.Equal(t, errMissing.Error(), errExpired.Error())

	// Lazily deleted on access.
	require.Zero(t, store.len())
	require.Zero(t, svc.Keys().Len())
}

func TestTerminate_BlocksFurtherKeyDelivery(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	hs, _ := openSession(t, svc)

	require.NoError(t, svc.Terminate(ctx, hs.Token))
	require.Zero(t, store.len())
	require.Zero(t, svc.Keys().Len())

	_, _, err := svc.Seal(ctx, hs.Token, []byte("k"), nil)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
	require.ErrorIs(t, svc.Terminate(ctx, hs.Token), errs.ErrSessionNotFound)
}

func TestLostPrivateKeyIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	hs, _ := openSession(t, svc)
	svc.Keys().Delete(hs.SessionID)

	_, err := svc.Get(context.Background(), hs.Token)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestEphemeralKeyStore_HardTTLAndSweep(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	store := NewEphemeralKeyStore(clk)
	key, err := GenerateClientKey()
	require.NoError(t, err)

	store.Put("a", key, clk.Now().Add(time.Minute))
	store.Put("b", key, clk.Now().Add(time.Hour))
	require.True(t, store.Has("a"))

	clk.Advance(time.Minute)
	require.Equal(t, 1, store.Sweep())
	require.False(t, store.Has("a"))
	require.True(t, store.Has("b"))

	called := false
	err = store.Use("a", func(*ecdh.PrivateKey) error { called = true; return nil })
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
	require.False(t, called)
}

func TestEphemeralKeyStore_ConcurrentUseAndDelete(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	store := NewEphemeralKeyStore(clk)
	key, err := GenerateClientKey()
	require.NoError(t, err)
	store.Put("s", key, clk.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Use("s", func(k *ecdh.PrivateKey) error {
				if k == nil {
					t.Error("observed a half-deleted key")
				}
				return nil
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.Delete("s")
	}()
	wg.Wait()
	require.False(t, store.Has("s"))
}

func TestJanitorSweeps(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	svc, err := NewService(Config{
		Store:         newMemStore(),
		Clock:         clk,
		Window:        time.Minute,
		MaxLifetime:   time.Minute,
		SweepInterval: time.Millisecond,
		Logger:        logging.Discard(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openSession(t, svc)
	clk.Advance(2 * time.Minute)
	svc.Start(ctx)
	defer svc.Close()

	require.Eventually(t, func() bool { return svc.Keys().Len() == 0 }, time.Second, time.Millisecond)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(Config{})
	require.Error(t, err)
	_, err = NewService(Config{Store: newMemStore(), Window: time.Hour, MaxLifetime: time.Minute})
	require.Error(t, err)
}
