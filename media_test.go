package media

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/keyValStore"
	"github.com/i5heu/ouroboros-media/internal/metastore"
	"github.com/i5heu/ouroboros-media/internal/policy"
	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/segmenter"
	"github.com/i5heu/ouroboros-media/internal/storagenet"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
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

type harness struct {
	svc     *Service
	network *storagenet.LocalNetwork
	meta    *metastore.Store
	oracle  *policy.AllowList
	servers []interfaces.KeyServer
	clock   *fakeClock
	signer  *storagenet.Ed25519Signer
}

const segmentSize = 1024

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test adjust the service config before New.
func newHarnessWith(t *testing.T, adjust func(*Config)) *harness {
	t.Helper()
	log := logging.Discard()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	l := logrus.New()
	l.SetOutput(io.Discard)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: l})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	meta, err := metastore.New(metastore.Config{KV: kv, Clock: clock, Logger: log})
	require.NoError(t, err)

	oracle := policy.NewAllowList(map[string][]string{"subscribers": {"alice"}}, log)

	master, err := custody.GenerateMasterKey()
	require.NoError(t, err)
	cust, err := custody.New(master)
	require.NoError(t, err)

	servers := make([]interfaces.KeyServer, 3)
	for i, id := range []string{"ks-a", "ks-b", "ks-c"} {
		ks, err := seal.NewLocalKeyServer(id, oracle, log)
		require.NoError(t, err)
		servers[i] = ks
	}

	network := storagenet.NewLocalNetwork(storagenet.LocalConfig{Logger: log})
	cfg := Config{
		Transcoder: segmenter.New(segmenter.Config{SegmentSize: segmentSize, InitSegment: true, PosterSize: 32, Logger: log}),
		Network:    network,
		Metadata:   meta,
		Sessions:   meta,
		Oracle:     oracle,
		Custody:    cust,
		KeyServers: servers,
		RetryDelay: time.Millisecond,
		Clock:      clock,
		Logger:     log,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	svc.Start(context.Background())
	t.Cleanup(svc.Close)

	signer, err := storagenet.GenerateSigner()
	require.NoError(t, err)
	return &harness{svc: svc, network: network, meta: meta, oracle: oracle, servers: cfg.KeyServers, clock: clock, signer: signer}
}

// fixedIDTranscoder hands out a caller-chosen video id.
type fixedIDTranscoder struct {
	interfaces.Transcoder
	videoID string
}

func (f fixedIDTranscoder) Transcode(
	ctx context.Context,
	source io.Reader,
	qs []interfaces.QualitySpec,
) (*interfaces.TranscodeOutput, error) {
	out, err := f.Transcoder.Transcode(ctx, source, qs)
	if err != nil {
		return nil, err
	}
	out.VideoID = f.videoID
	return out, nil
}

// brokenKeyServer advertises a public key no share can be sealed to.
type brokenKeyServer struct {
	interfaces.KeyServer
}

func (brokenKeyServer) PublicKey() []byte { return []byte("short") }

var qualities = []interfaces.QualitySpec{
	{Label: "720p", Resolution: "1280x720", Bitrate: 2_500_000},
}

// threeSegmentSource yields exactly three media segments.
func threeSegmentSource() []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), 3*segmentSize/16)
}

func (h *harness) upload(t *testing.T, encType model.EncryptionType, keyScheme model.KeyScheme) *UploadResult {
	t.Helper()
	res, err := h.svc.UploadVideo(context.Background(), UploadRequest{
		Source:      bytes.NewReader(threeSegmentSource()),
		Qualities:   qualities,
		Signer:      h.signer,
		Policy:      encType,
		KeyScheme:   keyScheme,
		Title:       "clip",
		CreatorRef:  "creator",
		PolicyScope: "subscribers",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) openSession(t *testing.T, videoID, viewer string) (string, *Player) {
	t.Helper()
	player, err := NewPlayer()
	require.NoError(t, err)
	hs, err := h.svc.CreateSession(context.Background(), CreateSessionRequest{
		VideoID:         videoID,
		Viewer:          viewer,
		ClientPublicKey: player.PublicKey(),
	})
	require.NoError(t, err)
	require.NoError(t, player.Attach(hs.ServerPublicKey, hs.ServerNonce))
	return hs.Token, player
}

func (h *harness) playDek(t *testing.T, videoID, token string, player *Player) {
	t.Helper()
	ctx := context.Background()
	source := threeSegmentSource()
	for i := 0; i < 3; i++ {
		ref := model.SegmentRef{Scheme: model.SchemeDek, Quality: "720p", Index: i}
		km, err := h.svc.GetSegmentKeyMaterial(ctx, token, ref)
		require.NoError(t, err)
		require.Nil(t, km.Seal)

		ct, err := h.svc.ReadContent(ctx, km.ContentAddress)
		require.NoError(t, err)
		plain, err := player.DecryptSegment(km, ct)
		require.NoError(t, err)
		require.Equal(t, source[i*segmentSize:(i+1)*segmentSize], plain)
	}
}

func TestUploadAndPlay_DekOnly(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, model.EncryptionDekOnly, 0)

	require.NotEmpty(t, res.VideoID)
	require.Equal(t, res.ManifestAddresses[model.SchemeDek], res.ManifestAddress)
	require.Len(t, res.ManifestAddresses, 1)
	require.NotEmpty(t, res.PosterAddress)
	require.NotZero(t, res.Cost)
	require.Empty(t, res.BackupKeys)

	video, err := h.svc.GetVideo(context.Background(), res.VideoID)
	require.NoError(t, err)
	require.Equal(t, model.KeySchemeIndependent, video.KeyScheme)
	require.Equal(t, 3*4*time.Second, video.Duration)

	renditions, err := h.svc.GetRenditions(context.Background(), res.VideoID)
	require.NoError(t, err)
	require.Len(t, renditions, 1)
	require.Len(t, renditions[0].Segments, 4, "init plus three media segments")
	for _, rec := range renditions[0].Segments {
		require.Equal(t, model.SchemeDek, rec.SchemeKind())
	}

	token, player := h.openSession(t, res.VideoID, "alice")
	h.playDek(t, res.VideoID, token, player)
}

func TestUploadAndPlay_Both(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, model.EncryptionBoth, 0)

	require.Len(t, res.ManifestAddresses, 2)
	require.Equal(t, res.ManifestAddresses[model.SchemeDek], res.ManifestAddress)
	require.Len(t, res.BackupKeys, 4)

	renditions, err := h.svc.GetRenditions(context.Background(), res.VideoID)
	require.NoError(t, err)
	require.Len(t, renditions, 2)

	token, player := h.openSession(t, res.VideoID, "alice")
	h.playDek(t, res.VideoID, token, player)

	ctx := context.Background()
	source := threeSegmentSource()
	for i := 0; i < 3; i++ {
		ref := model.SegmentRef{Scheme: model.SchemeSeal, Quality: "720p", Index: i}
		km, err := h.svc.GetSegmentKeyMaterial(ctx, token, ref)
		require.NoError(t, err)
		require.Nil(t, km.SealedKey)
		require.Equal(t, uint8(2), km.Seal.Threshold)

		ct, err := h.svc.ReadContent(ctx, km.ContentAddress)
		require.NoError(t, err)
		plain, err := player.DecryptSealSegment(ctx, km, h.servers, "alice", ct)
		require.NoError(t, err)
		require.Equal(t, source[i*segmentSize:(i+1)*segmentSize], plain)

		_, err = player.DecryptSealSegment(ctx, km, h.servers, "mallory", ct)
		require.ErrorIs(t, err, errs.ErrPolicyDenied)
	}
}

func TestCreatorDecryptsOwnSealSegments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.upload(t, model.EncryptionBoth, 0)
	source := threeSegmentSource()

	token, player := h.openSession(t, res.VideoID, "creator")
	h.playDek(t, res.VideoID, token, player)
	for i := 0; i < 3; i++ {
		km, err := h.svc.GetSegmentKeyMaterial(ctx, token, model.SegmentRef{Scheme: model.SchemeSeal, Quality: "720p", Index: i})
		require.NoError(t, err)
		ct, err := h.svc.ReadContent(ctx, km.ContentAddress)
		require.NoError(t, err)
		plain, err := player.DecryptSealSegment(ctx, km, h.servers, "creator", ct)
		require.NoError(t, err)
		require.Equal(t, source[i*segmentSize:(i+1)*segmentSize], plain)
	}
}

func TestUploadAndPlay_OpaqueVideoID(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.Transcoder = fixedIDTranscoder{Transcoder: cfg.Transcoder, videoID: "vid-42"}
	})
	res := h.upload(t, model.EncryptionBoth, 0)
	require.Equal(t, "vid-42", res.VideoID)

	ctx := context.Background()
	token, player := h.openSession(t, res.VideoID, "alice")
	h.playDek(t, res.VideoID, token, player)
	km, err := h.svc.GetSegmentKeyMaterial(ctx, token, model.SegmentRef{Scheme: model.SchemeSeal, Quality: "720p", Index: 0})
	require.NoError(t, err)
	ct, err := h.svc.ReadContent(ctx, km.ContentAddress)
	require.NoError(t, err)
	plain, err := player.DecryptSealSegment(ctx, km, h.servers, "alice", ct)
	require.NoError(t, err)
	require.Equal(t, threeSegmentSource()[:segmentSize], plain)
}

func TestUploadVideo_PartialDualEncryptionIsNotRegistered(t *testing.T) {
	h := newHarnessWith(t, func(cfg *Config) {
		cfg.Transcoder = fixedIDTranscoder{Transcoder: cfg.Transcoder, videoID: "vid-partial"}
		servers := append([]interfaces.KeyServer(nil), cfg.KeyServers...)
		servers[2] = brokenKeyServer{KeyServer: servers[2]}
		cfg.KeyServers = servers
	})
	ctx := context.Background()

	res, err := h.svc.UploadVideo(ctx, UploadRequest{
		Source:      bytes.NewReader(threeSegmentSource()),
		Qualities:   qualities,
		Signer:      h.signer,
		Policy:      model.EncryptionBoth,
		CreatorRef:  "creator",
		PolicyScope: "subscribers",
	})
	require.Error(t, err)
	require.Nil(t, res)
	require.ErrorIs(t, err, errs.ErrEncryptionFailure)

	_, err = h.svc.GetVideo(ctx, "vid-partial")
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.svc.GetRenditions(ctx, "vid-partial")
	require.ErrorIs(t, err, errs.ErrNotFound)
	videos, err := h.meta.ListVideos(ctx)
	require.NoError(t, err)
	require.Empty(t, videos)
}

func TestUploadAndPlay_LegacyRootSecret(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, model.EncryptionDekOnly, model.KeySchemeRootSecret)

	video, err := h.svc.GetVideo(context.Background(), res.VideoID)
	require.NoError(t, err)
	require.Equal(t, model.KeySchemeRootSecret, video.KeyScheme)
	require.NotEmpty(t, video.WrappedRootSecret)

	token, player := h.openSession(t, res.VideoID, "alice")
	h.playDek(t, res.VideoID, token, player)
}

func TestSchemeExclusivity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dekOnly := h.upload(t, model.EncryptionDekOnly, 0)
	token, _ := h.openSession(t, dekOnly.VideoID, "alice")
	_, err := h.svc.GetSegmentKeyMaterial(ctx, token, model.SegmentRef{Scheme: model.SchemeSeal, Quality: "720p", Index: 0})
	require.ErrorIs(t, err, errs.ErrNotFound)

	sealOnly := h.upload(t, model.EncryptionSealOnly, 0)
	require.Equal(t, sealOnly.ManifestAddresses[model.SchemeSeal], sealOnly.ManifestAddress)
	token, _ = h.openSession(t, sealOnly.VideoID, "alice")
	_, err = h.svc.GetSegmentKeyMaterial(ctx, token, model.SegmentRef{Scheme: model.SchemeDek, Quality: "720p", Index: 0})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestKeyDelivery_PolicyAndSessionGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.upload(t, model.EncryptionDekOnly, 0)
	ref := model.SegmentRef{Scheme: model.SchemeDek, Quality: "720p", Index: 0}

	token, _ := h.openSession(t, res.VideoID, "mallory")
	_, err := h.svc.GetSegmentKeyMaterial(ctx, token, ref)
	require.ErrorIs(t, err, errs.ErrPolicyDenied)

	creatorToken, _ := h.openSession(t, res.VideoID, "creator")
	_, err = h.svc.GetSegmentKeyMaterial(ctx, creatorToken, ref)
	require.NoError(t, err)

	_, err = h.svc.GetSegmentKeyMaterial(ctx, "not-a-token", ref)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)

	token, _ = h.openSession(t, res.VideoID, "alice")
	_, err = h.svc.GetSegmentKeyMaterial(ctx, token, model.SegmentRef{Scheme: model.SchemeDek, Quality: "720p", Index: 9})
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, h.svc.TerminateSession(ctx, token))
	_, err = h.svc.GetSegmentKeyMaterial(ctx, token, ref)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestSessionExpiryAndRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.upload(t, model.EncryptionDekOnly, 0)
	ref := model.SegmentRef{Scheme: model.SchemeDek, Quality: "720p", Index: 1}

	token, _ := h.openSession(t, res.VideoID, "alice")
	h.clock.Advance(5 * time.Minute)
	first, err := h.svc.RefreshSession(ctx, token)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	second, err := h.svc.RefreshSession(ctx, token)
	require.NoError(t, err)
	require.True(t, second.After(first))

	h.clock.Advance(11 * time.Minute)
	_, err = h.svc.GetSegmentKeyMaterial(ctx, token, ref)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
	_, err = h.svc.RefreshSession(ctx, token)
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestCreateSession_UnknownVideo(t *testing.T) {
	h := newHarness(t)
	player, err := NewPlayer()
	require.NoError(t, err)
	_, err = h.svc.CreateSession(context.Background(), CreateSessionRequest{
		VideoID:         "missing",
		Viewer:          "alice",
		ClientPublicKey: player.PublicKey(),
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUploadVideo_ProgressAndFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rep := progress.NewReporter()
	done := make(chan []progress.Event)
	go func() {
		var events []progress.Event
		for ev := range rep.Events() {
			events = append(events, ev)
		}
		done <- events
	}()
	_, err := h.svc.UploadVideo(ctx, UploadRequest{
		Source:    bytes.NewReader(threeSegmentSource()),
		Qualities: qualities,
		Signer:    h.signer,
		Policy:    model.EncryptionDekOnly,
		Progress:  rep,
	})
	require.NoError(t, err)
	rep.Close()
	events := <-done
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
	}
	require.Equal(t, 100.0, events[len(events)-1].Percent)

	_, err = h.svc.UploadVideo(ctx, UploadRequest{Source: bytes.NewReader(nil), Qualities: qualities, Signer: h.signer, Policy: model.EncryptionDekOnly})
	stage, ok := errs.StageOf(err)
	require.True(t, ok)
	require.Equal(t, errs.StageTranscoding, stage)

	h.network.InjectOverload(1000)
	_, err = h.svc.UploadVideo(ctx, UploadRequest{Source: bytes.NewReader(threeSegmentSource()), Qualities: qualities, Signer: h.signer, Policy: model.EncryptionDekOnly})
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)
	stage, _ = errs.StageOf(err)
	require.Equal(t, errs.StageUploading, stage)

	_, err = h.svc.UploadVideo(ctx, UploadRequest{Source: bytes.NewReader(threeSegmentSource()), Qualities: qualities, Policy: model.EncryptionDekOnly})
	require.ErrorIs(t, err, ErrSignerRequired)

	h.svc.Close()
	_, err = h.svc.UploadVideo(ctx, UploadRequest{Source: bytes.NewReader(threeSegmentSource()), Qualities: qualities, Signer: h.signer, Policy: model.EncryptionDekOnly})
	require.ErrorIs(t, err, ErrClosed)
}
