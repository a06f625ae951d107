// Package session implements the playback session protocol. A player
// sends an ephemeral X25519 public key, the server answers with its own
// ephemeral public key and a nonce, and both sides derive the same secret
// without ever sending it. Per-segment key material is then delivered
// sealed under that secret.
//
// Lifecycle: NonExistent -> Active -> (Refreshed -> Active) ->
// Expired | Terminated. An expired session is indistinguishable from one
// that never existed.
package session

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	defaultWindow        = 10 * time.Minute
	defaultMaxLifetime   = 2 * time.Hour
	defaultSweepInterval = time.Minute

	tokenSize = 32
)

// Config configures a Service.
type Config struct {
	Store interfaces.SessionStore
	Clock interfaces.Clock

	// Window is how far Refresh pushes the expiry past now.
	Window time.Duration
	// MaxLifetime is the hard bound on a session and its private key,
	// counted from creation.
	MaxLifetime time.Duration
	// SweepInterval is how often the janitor drops expired keys.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Service manages playback sessions.
type Service struct {
	store       interfaces.SessionStore
	clock       interfaces.Clock
	keys        *EphemeralKeyStore
	window      time.Duration
	maxLifetime time.Duration
	sweepEvery  time.Duration
	log         *slog.Logger

	// mu serializes record read-modify-write cycles.
	mu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CreateRequest opens a session for one viewer and video.
type CreateRequest struct {
	VideoID         string
	Viewer          string
	ClientPublicKey []byte
	// DeviceFingerprint is optional; only its hash is stored.
	DeviceFingerprint string
}

// Handshake is returned to the player on Create.
type Handshake struct {
	Token           string
	SessionID       string
	ServerPublicKey []byte
	ServerNonce     []byte
	ExpiresAt       time.Time
}

// NewService creates a session service. Call Start to run the janitor.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = interfaces.SystemClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}
	if cfg.Window > cfg.MaxLifetime {
		return nil, fmt.Errorf("session: window %s exceeds max lifetime %s", cfg.Window, cfg.MaxLifetime)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:       cfg.Store,
		clock:       cfg.Clock,
		keys:        NewEphemeralKeyStore(cfg.Clock),
		window:      cfg.Window,
		maxLifetime: cfg.MaxLifetime,
		sweepEvery:  cfg.SweepInterval,
		log:         cfg.Logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the janitor that removes expired private keys. It stops
// when ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.keys.Sweep(); n > 0 {
					s.log.Debug("swept expired session keys", "count", n)
				}
			}
		}
	}()
}

// Close stops the janitor if it was started.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Keys exposes the ephemeral key store.
func (s *Service) Keys() *EphemeralKeyStore {
	return s.keys
}

// Create opens a new session.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Handshake, error) {
	if req.VideoID == "" {
		return Handshake{}, errors.New("session: video id is required")
	}
	clientPub, err := ecdh.X25519().NewPublicKey(req.ClientPublicKey)
	if err != nil {
		return Handshake{}, fmt.Errorf("session: client public key: %w", err)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Handshake{}, fmt.Errorf("session: server key: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Handshake{}, fmt.Errorf("session: nonce: %w", err)
	}
	rawToken := make([]byte, tokenSize)
	if _, err := io.ReadFull(rand.Reader, rawToken); err != nil {
		return Handshake{}, fmt.Errorf("session: token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(rawToken)
	id := IDFromToken(token)

	now := s.clock.Now()
	sess := model.PlaybackSession{
		ID:              id,
		VideoRef:        req.VideoID,
		ViewerRef:       req.Viewer,
		ClientPublicKey: clientPub.Bytes(),
		ServerPublicKey: priv.PublicKey().Bytes(),
		ServerNonce:     nonce,
		CreatedAt:       now,
		LastActivity:    now,
		ExpiresAt:       now.Add(s.window),
	}
	if req.DeviceFingerprint != "" {
		sum := sha256.Sum256([]byte(req.DeviceFingerprint))
		sess.DeviceFingerprintHash = hex.EncodeToString(sum[:])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.PutSession(ctx, sess); err != nil {
		return Handshake{}, fmt.Errorf("session: persist: %w", err)
	}
	s.keys.Put(id, priv, now.Add(s.maxLifetime))

	s.log.Debug("session created", "session", id[:12], "video", req.VideoID)
	return Handshake{
		Token:           token,
		SessionID:       id,
		ServerPublicKey: sess.ServerPublicKey,
		ServerNonce:     nonce,
		ExpiresAt:       sess.ExpiresAt,
	}, nil
}

// Get returns the active session for token.
func (s *Service) Get(ctx context.Context, token string) (model.PlaybackSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(ctx, IDFromToken(token))
}

// active loads a session and enforces expiry. Must be called with mu held.
func (s *Service) active(ctx context.Context, id string) (model.PlaybackSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		s.keys.Delete(id)
		return model.PlaybackSession{}, errs.ErrSessionNotFound
	}
	if err != nil {
		return model.PlaybackSession{}, fmt.Errorf("session: load: %w", err)
	}
	if sess.Expired(s.clock.Now()) || !s.keys.Has(id) {
		s.destroy(ctx, id)
		return model.PlaybackSession{}, errs.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) destroy(ctx context.Context, id string) {
	s.keys.Delete(id)
	if err := s.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.log.Warn("failed to delete session record", "session", id[:12], "error", err)
	}
}

// Refresh extends the session's expiry by the sliding window and records
// activity; keys are not rotated. A successful refresh always moves the
// expiry forward. Once the window would reach past the hard lifetime the
// expiry is clamped to it, and a refresh that cannot extend further returns
// errs.ErrSessionNotExtended together with the unchanged expiry.
func (s *Service) Refresh(ctx context.Context, token string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := IDFromToken(token)
	sess, err := s.active(ctx, id)
	if err != nil {
		return time.Time{}, err
	}

	now := s.clock.Now()
	next := now.Add(s.window)
	if hardLimit := sess.CreatedAt.Add(s.maxLifetime); next.After(hardLimit) {
		next = hardLimit
	}
	if !next.After(sess.ExpiresAt) {
		return sess.ExpiresAt, fmt.Errorf("%w: session %s expires %s",
			errs.ErrSessionNotExtended, id[:12], sess.ExpiresAt.Format(time.RFC3339))
	}
	sess.ExpiresAt = next
	sess.LastActivity = now

	if err := s.store.PutSession(ctx, sess); err != nil {
		return time.Time{}, fmt.Errorf("session: persist: %w", err)
	}
	return sess.ExpiresAt, nil
}

// Terminate destroys the session and its private key.
func (s *Service) Terminate(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := IDFromToken(token)
	if _, err := s.active(ctx, id); err != nil {
		return err
	}
	s.keys.Delete(id)
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	s.log.Debug("session terminated", "session", id[:12])
	return nil
}

// Seal encrypts plaintext for the session's client under the shared
// secret. The server private key is used under the key store lock.
func (s *Service) Seal(
	ctx context.Context,
	token string,
	plaintext []byte,
	aad []byte,
) ([]byte, model.PlaybackSession, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, model.PlaybackSession{}, err
	}

	var delivery []byte
	err = s.keys.Use(sess.ID, func(key *ecdh.PrivateKey) error {
		secret, err := DeriveSharedSecret(key, sess.ClientPublicKey, sess.ServerNonce)
		if err != nil {
			return err
		}
		defer clear(secret)
		delivery, err = sealDelivery(secret, plaintext, aad)
		return err
	})
	if err != nil {
		return nil, model.PlaybackSession{}, err
	}
	return delivery, sess, nil
}

// IDFromToken maps an opaque session token to the stored session id. The
// token itself is never persisted.
func IDFromToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
