/*
ouroboros-media encrypts video segments for an untrusted content-addressed
storage network and delivers per-segment keys to authorized players over
short-lived playback sessions.
*/
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/dispatch"
	"github.com/i5heu/ouroboros-media/internal/encryption"
	"github.com/i5heu/ouroboros-media/internal/playlist"
	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/session"
	"github.com/i5heu/ouroboros-media/internal/upload"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
	workerpool "github.com/i5heu/ouroboros-media/pkg/workerPool"
)

const defaultEpochs = 5

var (
	ErrClosed         = errors.New("ouroboros-media: service closed")
	ErrSignerRequired = errors.New("ouroboros-media: signer is required")
)

// Config wires the service to its collaborators.
type Config struct {
	Transcoder interfaces.Transcoder
	Network    interfaces.StorageNetwork
	Metadata   interfaces.MetadataStore
	Sessions   interfaces.SessionStore
	Oracle     interfaces.AccessPolicyOracle
	Custody    *custody.Service

	// KeyServers enables the SEAL pipeline. SealThreshold defaults to a
	// majority of them.
	KeyServers    []interfaces.KeyServer
	SealThreshold int

	// PlaylistBaseURL prefixes content addresses in manifests.
	PlaylistBaseURL string

	// Epochs is the default storage duration of uploads.
	Epochs               uint32
	BatchSize            int
	MaxConcurrentBatches int
	MaxInFlight          int
	MaxAttempts          int
	RetryDelay           time.Duration

	SessionWindow      time.Duration
	SessionMaxLifetime time.Duration
	SweepInterval      time.Duration

	Clock  interfaces.Clock
	Logger *slog.Logger
}

// Service is the media core: uploads and playback key delivery.
type Service struct {
	cfg      Config
	log      *slog.Logger
	clock    interfaces.Clock
	pool     *workerpool.WorkerPool
	playlist *playlist.Builder
	seal     *seal.Encryptor
	sessions *session.Service

	closeOnce sync.Once
	closed    chan struct{}
}

// defaultLogger returns a logger that writes text logs to stderr at Info level.
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New constructs the service. Call Start to run background work.
func New(cfg Config) (*Service, error) {
	if cfg.Transcoder == nil || cfg.Network == nil || cfg.Metadata == nil || cfg.Sessions == nil {
		return nil, errors.New("ouroboros-media: transcoder, network, metadata and session store are required")
	}
	if cfg.Oracle == nil {
		return nil, errors.New("ouroboros-media: access policy oracle is required")
	}
	if cfg.Custody == nil {
		return nil, errors.New("ouroboros-media: key custody is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = interfaces.SystemClock()
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = defaultEpochs
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}

	s := &Service{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		playlist: playlist.New(cfg.PlaylistBaseURL),
		closed:   make(chan struct{}),
	}

	if len(cfg.KeyServers) > 0 {
		threshold := cfg.SealThreshold
		if threshold == 0 {
			threshold = len(cfg.KeyServers)/2 + 1
		}
		enc, err := seal.NewEncryptor(cfg.KeyServers, threshold)
		if err != nil {
			return nil, fmt.Errorf("ouroboros-media: %w", err)
		}
		s.seal = enc
	}

	sessions, err := session.NewService(session.Config{
		Store:         cfg.Sessions,
		Clock:         cfg.Clock,
		Window:        cfg.SessionWindow,
		MaxLifetime:   cfg.SessionMaxLifetime,
		SweepInterval: cfg.SweepInterval,
		Logger:        cfg.Logger.With("component", "session"),
	})
	if err != nil {
		return nil, fmt.Errorf("ouroboros-media: %w", err)
	}
	s.sessions = sessions
	s.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.MaxInFlight})
	return s, nil
}

// Start launches the session janitor.
func (s *Service) Start(ctx context.Context) {
	s.sessions.Start(ctx)
	s.log.Info("media service started", "keyServers", len(s.cfg.KeyServers), "custodyKey", s.cfg.Custody.KeyID())
}

// Close stops background work. It is idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.sessions.Close()
		s.pool.Close()
		s.log.Info("media service closed")
	})
}

func (s *Service) checkOpen() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return nil
	}
}

// UploadRequest describes one video upload.
type UploadRequest struct {
	Source    io.Reader
	Qualities []interfaces.QualitySpec
	Signer    interfaces.Signer
	// Policy selects the encryption pipelines.
	Policy model.EncryptionType
	// KeyScheme defaults to independent per-segment keys.
	KeyScheme   model.KeyScheme
	Title       string
	CreatorRef  string
	PolicyScope string
	// Epochs overrides the configured storage duration.
	Epochs uint32
	// Progress receives stage updates; may be nil.
	Progress *progress.Reporter
}

// UploadResult is returned once the video is registered.
type UploadResult struct {
	VideoID string
	// ManifestAddress is the primary master manifest.
	ManifestAddress   string
	ManifestAddresses map[model.SchemeKind]string
	PosterAddress     string
	Cost              uint64
	// BackupKeys holds the SEAL backup key of every segment for
	// out-of-band escrow. It is never persisted by the service.
	BackupKeys map[string][]byte
}

// UploadVideo transcodes, encrypts, uploads and registers a video. Errors
// carry the stage they happened in; see errs.StageOf.
func (s *Service) UploadVideo(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.Signer == nil {
		return nil, ErrSignerRequired
	}
	if _, err := req.Policy.Schemes(); err != nil {
		return nil, fmt.Errorf("ouroboros-media: %w", err)
	}
	if req.KeyScheme == 0 {
		req.KeyScheme = model.KeySchemeIndependent
	}
	if req.Epochs == 0 {
		req.Epochs = s.cfg.Epochs
	}
	if req.PolicyScope == "" {
		req.PolicyScope = req.CreatorRef
	}

	out, err := s.cfg.Transcoder.Transcode(ctx, req.Source, req.Qualities)
	if err != nil {
		return nil, errs.WithStage(errs.StageTranscoding, err)
	}
	if out.VideoID == "" {
		out.VideoID = uuid.NewString()
	}
	qualities := out.Qualities
	if len(qualities) == 0 {
		qualities = req.Qualities
	}
	req.Progress.Report(errs.StageTranscoding, 1, "transcoded")
	log := s.log.With("video", out.VideoID)
	log.Info("upload started", "policy", req.Policy, "segments", len(out.Segments))

	uploader, err := upload.New(upload.Config{
		Network:              s.cfg.Network,
		Pool:                 s.pool,
		BatchSize:            s.cfg.BatchSize,
		MaxConcurrentBatches: s.cfg.MaxConcurrentBatches,
		MaxAttempts:          s.cfg.MaxAttempts,
		RetryDelay:           s.cfg.RetryDelay,
		Progress:             req.Progress,
		Logger:               log,
	})
	if err != nil {
		return nil, err
	}
	defer uploader.Close()

	disp, err := dispatch.New(dispatch.Config{
		Uploader: uploader,
		Playlist: s.playlist,
		Custody:  s.cfg.Custody,
		Seal:     s.seal,
		Progress: req.Progress,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	reg, err := disp.Run(ctx, dispatch.Job{
		VideoID:        out.VideoID,
		CreatorRef:     req.CreatorRef,
		PolicyScope:    req.PolicyScope,
		EncryptionType: req.Policy,
		KeyScheme:      req.KeyScheme,
		Qualities:      qualities,
		Segments:       out.Segments,
		Signer:         req.Signer,
		Epochs:         req.Epochs,
	})
	if err != nil {
		log.Error("upload failed", "error", err)
		return nil, err
	}

	res := &UploadResult{
		VideoID:           out.VideoID,
		ManifestAddresses: reg.MasterManifestAddresses,
		Cost:              reg.Cost,
		BackupKeys:        reg.BackupKeys,
	}
	if len(out.Poster) > 0 {
		up, err := uploader.Upload(ctx, []*upload.Blob{{Name: "poster", Data: out.Poster}}, req.Signer, req.Epochs)
		if err != nil {
			return nil, err
		}
		res.PosterAddress = up.Addresses[0]
		res.Cost += up.Cost
	}

	video := model.Video{
		ID:                      out.VideoID,
		Title:                   req.Title,
		Duration:                out.Duration,
		CreatorRef:              req.CreatorRef,
		PolicyScope:             req.PolicyScope,
		EncryptionType:          req.Policy,
		KeyScheme:               req.KeyScheme,
		WrappedRootSecret:       reg.WrappedRootSecret,
		MasterManifestAddresses: reg.MasterManifestAddresses,
		PosterAddress:           res.PosterAddress,
		CreatedAt:               s.clock.Now().UTC(),
	}
	if err := s.cfg.Metadata.CreateVideo(ctx, video, reg.Renditions); err != nil {
		return nil, errs.WithStage(errs.StageRegistering, err)
	}
	res.ManifestAddress = video.MasterManifestAddress()
	req.Progress.Report(errs.StageRegistering, 1, "video registered")

	log.Info("upload finished", "manifest", res.ManifestAddress, "cost", res.Cost)
	return res, nil
}

// CreateSessionRequest opens a playback session.
type CreateSessionRequest struct {
	VideoID string
	Viewer  string
	// ClientPublicKey is the player's ephemeral X25519 public key.
	ClientPublicKey   []byte
	DeviceFingerprint string
}

// CreateSession opens a playback session for a registered video.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (session.Handshake, error) {
	if err := s.checkOpen(); err != nil {
		return session.Handshake{}, err
	}
	if _, err := s.cfg.Metadata.GetVideo(ctx, req.VideoID); err != nil {
		return session.Handshake{}, err
	}
	return s.sessions.Create(ctx, session.CreateRequest{
		VideoID:           req.VideoID,
		Viewer:            req.Viewer,
		ClientPublicKey:   req.ClientPublicKey,
		DeviceFingerprint: req.DeviceFingerprint,
	})
}

// RefreshSession extends the session and returns its new expiry. Near the
// session's hard lifetime it fails with errs.ErrSessionNotExtended and
// returns the unchanged expiry.
func (s *Service) RefreshSession(ctx context.Context, token string) (time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, err
	}
	return s.sessions.Refresh(ctx, token)
}

// TerminateSession destroys the session and its key.
func (s *Service) TerminateSession(ctx context.Context, token string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.sessions.Terminate(ctx, token)
}

// GetVideo returns a registered video.
func (s *Service) GetVideo(ctx context.Context, videoID string) (model.Video, error) {
	return s.cfg.Metadata.GetVideo(ctx, videoID)
}

// GetRenditions returns every rendition of a registered video.
func (s *Service) GetRenditions(ctx context.Context, videoID string) ([]model.Rendition, error) {
	return s.cfg.Metadata.GetRenditions(ctx, videoID)
}

// ReadContent fetches a manifest, segment or poster from the storage
// network. The content is ciphertext except for manifests and posters.
func (s *Service) ReadContent(ctx context.Context, address string) ([]byte, error) {
	return s.cfg.Network.Read(ctx, address)
}

// SealDelivery tells a player how to obtain a SEAL segment key from the
// key servers.
type SealDelivery struct {
	DocumentID   string
	Threshold    uint8
	KeyServerIDs []string
}

// KeyMaterial is what a player receives for one segment. Exactly one of
// SealedKey and Seal is set.
type KeyMaterial struct {
	VideoID        string
	Ref            model.SegmentRef
	ContentAddress string
	Size           int

	// SealedKey is dek ‖ iv sealed under the session's shared secret. Open
	// it with a Player.
	SealedKey []byte
	Seal      *SealDelivery
}

// KeyDeliveryAAD binds a sealed key to the video and segment it belongs
// to.
func KeyDeliveryAAD(videoID string, ref model.SegmentRef) []byte {
	return []byte("ouroboros-media/key-delivery/v1/" + videoID + "/" + ref.Scheme.String() + "/" +
		model.SegmentIdentifier(ref.Quality, ref.Index))
}

// GetSegmentKeyMaterial authorizes the session's viewer and returns the
// key material of one segment. DEK keys are unwrapped only after the
// access policy allows it and leave the service sealed to the session.
func (s *Service) GetSegmentKeyMaterial(ctx context.Context, token string, ref model.SegmentRef) (*KeyMaterial, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	video, err := s.cfg.Metadata.GetVideo(ctx, sess.VideoRef)
	if err != nil {
		return nil, err
	}

	ok, err := s.cfg.Oracle.Authorized(ctx, interfaces.AccessRequest{
		Requester:   sess.ViewerRef,
		VideoRef:    video.ID,
		CreatorRef:  video.CreatorRef,
		PolicyScope: video.PolicyScope,
	})
	if err != nil {
		return nil, fmt.Errorf("ouroboros-media: access policy: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s for video %s", errs.ErrPolicyDenied, sess.ViewerRef, video.ID)
	}

	rendition, err := s.cfg.Metadata.GetRendition(ctx, video.ID, ref.Scheme, ref.Quality)
	if err != nil {
		return nil, err
	}
	rec, found := rendition.Segment(ref.Index)
	if !found {
		return nil, fmt.Errorf("ouroboros-media: segment %s: %w", model.SegmentIdentifier(ref.Quality, ref.Index), errs.ErrNotFound)
	}
	if err := rec.Validate(ref.Scheme); err != nil {
		return nil, fmt.Errorf("ouroboros-media: %w", err)
	}

	km := &KeyMaterial{VideoID: video.ID, Ref: ref, ContentAddress: rec.ContentAddress, Size: rec.Size}
	switch ref.Scheme {
	case model.SchemeSeal:
		km.Seal = &SealDelivery{
			DocumentID:   rec.Seal.DocumentID,
			Threshold:    rec.Seal.Threshold,
			KeyServerIDs: rec.Seal.KeyServerIDs,
		}
		return km, nil
	case model.SchemeDek:
		plain, err := s.segmentKey(video, ref, rec)
		if err != nil {
			return nil, err
		}
		defer custody.Zero(plain)
		sealed, _, err := s.sessions.Seal(ctx, token, plain, KeyDeliveryAAD(video.ID, ref))
		if err != nil {
			return nil, err
		}
		km.SealedKey = sealed
		return km, nil
	default:
		return nil, fmt.Errorf("ouroboros-media: unknown scheme %s", ref.Scheme)
	}
}

// segmentKey recovers dek ‖ iv of a DEK segment. The key scheme stored
// with the video is the only input that selects the derivation.
func (s *Service) segmentKey(video model.Video, ref model.SegmentRef, rec model.EncryptedSegmentRecord) ([]byte, error) {
	switch video.KeyScheme {
	case model.KeySchemeRootSecret:
		root, err := s.cfg.Custody.Unwrap(video.WrappedRootSecret)
		if err != nil {
			return nil, err
		}
		defer custody.Zero(root)
		key, err := encryption.DeriveSegmentKey(root, video.ID, ref.Quality, ref.Index)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrKeyWrapIntegrity, err)
		}
		defer key.Zero()
		return key.Bytes(), nil
	case model.KeySchemeIndependent:
		return s.cfg.Custody.Unwrap(rec.Dek.WrappedKey)
	default:
		return nil, fmt.Errorf("ouroboros-media: video %s has unknown key scheme %d", video.ID, video.KeyScheme)
	}
}
