package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/encryption"
	"github.com/i5heu/ouroboros-media/internal/playlist"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/storagenet"
	"github.com/i5heu/ouroboros-media/internal/upload"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/logging"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

type allowAll struct{}

func (allowAll) Authorized(context.Context, interfaces.AccessRequest) (bool, error) {
	return true, nil
}

type fixture struct {
	network *storagenet.LocalNetwork
	custody *custody.Service
	servers []interfaces.KeyServer
	disp    *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Discard()
	network := storagenet.NewLocalNetwork(storagenet.LocalConfig{Logger: log})

	up, err := upload.New(upload.Config{Network: network, BatchSize: 2, RetryDelay: time.Millisecond, Logger: log})
	require.NoError(t, err)
	t.Cleanup(up.Close)

	master, err := custody.GenerateMasterKey()
	require.NoError(t, err)
	cust, err := custody.New(master)
	require.NoError(t, err)

	servers := make([]interfaces.KeyServer, 3)
	for i := range servers {
		ks, err := seal.NewLocalKeyServer(fmt.Sprintf("ks-%d", i), allowAll{}, log)
		require.NoError(t, err)
		servers[i] = ks
	}
	sealEnc, err := seal.NewEncryptor(servers, 2)
	require.NoError(t, err)

	disp, err := New(Config{
		Uploader: up,
		Playlist: playlist.New(""),
		Custody:  cust,
		Seal:     sealEnc,
		Logger:   log,
	})
	require.NoError(t, err)
	return &fixture{network: network, custody: cust, servers: servers, disp: disp}
}

func segmentData(quality string, index int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("%s-%d|", quality, index)), 40)
}

func newJob(t *testing.T, encType model.EncryptionType, mediaSegments int) Job {
	t.Helper()
	signer, err := storagenet.GenerateSigner()
	require.NoError(t, err)

	qualities := []interfaces.QualitySpec{
		{Label: "720p", Resolution: "1280x720", Bitrate: 2_500_000},
		{Label: "360p", Resolution: "640x360", Bitrate: 800_000},
	}
	var segs []*model.Segment
	for _, q := range qualities {
		for i := model.InitSegmentIndex; i < mediaSegments; i++ {
			data := segmentData(q.Label, i)
			seg := &model.Segment{Quality: q.Label, Index: i, Data: data, PlaintextSize: len(data)}
			if i != model.InitSegmentIndex {
				seg.Duration = 4 * time.Second
			}
			segs = append(segs, seg)
		}
	}
	return Job{
		VideoID:        uuid.NewString(),
		PolicyScope:    "subscribers",
		EncryptionType: encType,
		KeyScheme:      model.KeySchemeIndependent,
		Qualities:      qualities,
		Segments:       segs,
		Signer:         signer,
		Epochs:         2,
	}
}

func TestRun_DekOnly(t *testing.T) {
	f := newFixture(t)
	job := newJob(t, model.EncryptionDekOnly, 3)

	reg, err := f.disp.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, reg.Renditions, 2)
	require.Len(t, reg.MasterManifestAddresses, 1)
	require.NotEmpty(t, reg.MasterManifestAddresses[model.SchemeDek])
	require.NotZero(t, reg.Cost)
	require.Empty(t, reg.BackupKeys)
	require.Nil(t, reg.WrappedRootSecret)

	// 8 segments, 2 media manifests and 1 master.
	require.Equal(t, 11, f.network.Len())

	ctx := context.Background()
	for _, r := range reg.Renditions {
		require.Equal(t, model.SchemeDek, r.Scheme)
		require.Len(t, r.Segments, 4)
		for _, rec := range r.Segments {
			require.NoError(t, rec.Validate(model.SchemeDek))
			ct, err := f.network.Read(ctx, rec.ContentAddress)
			require.NoError(t, err)
			require.Equal(t, len(ct), rec.Size)

			raw, err := f.custody.Unwrap(rec.Dek.WrappedKey)
			require.NoError(t, err)
			key, err := encryption.SegmentKeyFromBytes(raw)
			require.NoError(t, err)
			plain, err := encryption.Decrypt(ct, key, r.QualityLabel, rec.Index)
			require.NoError(t, err)
			require.Equal(t, segmentData(r.QualityLabel, rec.Index), plain)
		}

		manifest, err := f.network.Read(ctx, r.ManifestAddress)
		require.NoError(t, err)
		initAddr, addrs, err := playlist.New("").MediaAddresses(manifest)
		require.NoError(t, err)
		require.Equal(t, r.Segments[0].ContentAddress, initAddr)
		require.Len(t, addrs, 3)
	}

	master, err := f.network.Read(ctx, reg.MasterManifestAddresses[model.SchemeDek])
	require.NoError(t, err)
	variants, err := playlist.New("").VariantAddresses(master)
	require.NoError(t, err)
	require.Len(t, variants, 2)

	for _, seg := range job.Segments {
		require.Nil(t, seg.Data, "plaintext of %s must be released", seg.Identifier())
	}
}

func TestRun_BothProducesDisjointPipelines(t *testing.T) {
	f := newFixture(t)
	job := newJob(t, model.EncryptionBoth, 2)

	reg, err := f.disp.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, reg.Renditions, 4)
	require.NotEmpty(t, reg.MasterManifestAddresses[model.SchemeDek])
	require.NotEmpty(t, reg.MasterManifestAddresses[model.SchemeSeal])
	require.NotEqual(t, reg.MasterManifestAddresses[model.SchemeDek], reg.MasterManifestAddresses[model.SchemeSeal])

	addresses := map[string]model.SchemeKind{}
	for _, r := range reg.Renditions {
		for _, rec := range r.Segments {
			require.NoError(t, rec.Validate(r.Scheme))
			prev, seen := addresses[rec.ContentAddress]
			require.False(t, seen, "address shared by %s and %s", prev, r.Scheme)
			addresses[rec.ContentAddress] = r.Scheme
		}
	}
	require.Len(t, reg.BackupKeys, 6)

	video := model.Video{
		ID:                      job.VideoID,
		EncryptionType:          model.EncryptionBoth,
		MasterManifestAddresses: reg.MasterManifestAddresses,
	}
	require.NoError(t, video.ValidateRenditions(reg.Renditions))
}

func TestRun_SealOnlyDecryptsThroughQuorum(t *testing.T) {
	f := newFixture(t)
	job := newJob(t, model.EncryptionSealOnly, 1)

	reg, err := f.disp.Run(context.Background(), job)
	require.NoError(t, err)

	ctx := context.Background()
	dec := seal.NewDecryptor(f.servers)
	for _, r := range reg.Renditions {
		require.Equal(t, model.SchemeSeal, r.Scheme)
		for _, rec := range r.Segments {
			require.Equal(t, uint8(2), rec.Seal.Threshold)
			require.Len(t, rec.Seal.KeyServerIDs, 3)

			ct, err := f.network.Read(ctx, rec.ContentAddress)
			require.NoError(t, err)
			docID, err := seal.DocumentIDOf(ct)
			require.NoError(t, err)
			require.Equal(t, rec.Seal.DocumentID, docID.String())
			require.Equal(t, "subscribers", docID.Scope)

			plain, err := dec.Decrypt(ctx, ct, "viewer")
			require.NoError(t, err)
			require.Equal(t, segmentData(r.QualityLabel, rec.Index), plain)

			backup, err := f.custody.Unwrap(rec.Seal.WrappedBackupKey)
			require.NoError(t, err)
			plain, err = seal.DecryptWithBackupKey(ct, backup)
			require.NoError(t, err)
			require.Equal(t, segmentData(r.QualityLabel, rec.Index), plain)
		}
	}
}

func TestRun_LegacyRootSecret(t *testing.T) {
	f := newFixture(t)
	job := newJob(t, model.EncryptionDekOnly, 2)
	job.KeyScheme = model.KeySchemeRootSecret

	reg, err := f.disp.Run(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, reg.WrappedRootSecret)

	root, err := f.custody.Unwrap(reg.WrappedRootSecret)
	require.NoError(t, err)

	ctx := context.Background()
	for _, r := range reg.Renditions {
		for _, rec := range r.Segments {
			require.Empty(t, rec.Dek.WrappedKey)
			key, err := encryption.DeriveSegmentKey(root, job.VideoID, r.QualityLabel, rec.Index)
			require.NoError(t, err)
			ct, err := f.network.Read(ctx, rec.ContentAddress)
			require.NoError(t, err)
			plain, err := encryption.Decrypt(ct, key, r.QualityLabel, rec.Index)
			require.NoError(t, err)
			require.Equal(t, segmentData(r.QualityLabel, rec.Index), plain)
		}
	}
}

func TestRun_RejectsInvalidSegmentsBeforeNetwork(t *testing.T) {
	tests := map[string]func(j *Job){
		"gap": func(j *Job) {
			j.Segments = append(j.Segments[:2], j.Segments[3:]...)
		},
		"duplicate": func(j *Job) {
			j.Segments = append(j.Segments, j.Segments[1])
		},
		"unrequested quality": func(j *Job) {
			j.Segments[0].Quality = "4k"
		},
		"empty rendition": func(j *Job) {
			j.Qualities = append(j.Qualities, interfaces.QualitySpec{Label: "1080p"})
		},
		"no qualities": func(j *Job) {
			j.Qualities = nil
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			job := newJob(t, model.EncryptionDekOnly, 3)
			mutate(&job)

			_, err := f.disp.Run(context.Background(), job)
			require.ErrorIs(t, err, errs.ErrInvalidManifestState)
			stage, ok := errs.StageOf(err)
			require.True(t, ok)
			require.Equal(t, errs.StageTranscoding, stage)
			require.Zero(t, f.network.Len())
		})
	}
}

func TestRun_OverloadExhaustionFailsRun(t *testing.T) {
	f := newFixture(t)
	f.network.InjectOverload(1000)
	job := newJob(t, model.EncryptionBoth, 1)

	_, err := f.disp.Run(context.Background(), job)
	require.ErrorIs(t, err, errs.ErrStorageNodeOverload)
	stage, ok := errs.StageOf(err)
	require.True(t, ok)
	require.Equal(t, errs.StageUploading, stage)
}

func TestRun_SealRequiresKeyServers(t *testing.T) {
	f := newFixture(t)
	f.disp.seal = nil
	_, err := f.disp.Run(context.Background(), newJob(t, model.EncryptionSealOnly, 1))
	require.Error(t, err)
	require.Zero(t, f.network.Len())
}

func TestRun_UnknownEncryptionType(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Run(context.Background(), newJob(t, "triple", 1))
	require.Error(t, err)
}
