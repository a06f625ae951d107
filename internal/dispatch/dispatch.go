// Package dispatch runs the encryption pipelines a video's content policy
// selects. Each pipeline encrypts every segment, uploads the ciphertext,
// then builds and uploads one media manifest per quality and a master
// manifest. With both schemes selected the pipelines run in parallel and
// reference disjoint storage content; either one failing fails the run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/encryption"
	"github.com/i5heu/ouroboros-media/internal/playlist"
	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/internal/upload"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

// Config configures a Dispatcher.
type Config struct {
	Uploader *upload.Orchestrator
	Playlist *playlist.Builder
	Custody  *custody.Service
	// Seal is required for seal-only and both.
	Seal *seal.Encryptor

	Progress *progress.Reporter
	Logger   *slog.Logger
}

// Job describes one video to encrypt and upload.
type Job struct {
	VideoID        string
	CreatorRef     string
	PolicyScope    string
	EncryptionType model.EncryptionType
	// KeyScheme defaults to KeySchemeIndependent.
	KeyScheme model.KeyScheme

	Qualities []interfaces.QualitySpec
	Segments  []*model.Segment

	Signer interfaces.Signer
	Epochs uint32
}

// PipelineResult is the output of one strategy.
type PipelineResult struct {
	Scheme                model.SchemeKind
	Renditions            []model.Rendition
	MasterManifestAddress string
	Cost                  uint64
}

// Registration is everything needed to register the video.
type Registration struct {
	Renditions              []model.Rendition
	MasterManifestAddresses map[model.SchemeKind]string
	Cost                    uint64
	// WrappedRootSecret is set for legacy root-secret runs.
	WrappedRootSecret model.WrappedKeyMaterial
	// BackupKeys holds the SEAL backup key of every segment by identifier.
	BackupKeys map[string][]byte
}

// Dispatcher selects and runs encryption strategies.
type Dispatcher struct {
	uploader *upload.Orchestrator
	playlist *playlist.Builder
	custody  *custody.Service
	seal     *seal.Encryptor
	progress *progress.Reporter
	log      *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Uploader == nil || cfg.Playlist == nil || cfg.Custody == nil {
		return nil, errors.New("dispatch: uploader, playlist builder and custody are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		uploader: cfg.Uploader,
		playlist: cfg.Playlist,
		custody:  cfg.Custody,
		seal:     cfg.Seal,
		progress: cfg.Progress,
		log:      cfg.Logger,
	}, nil
}

// Run executes every pipeline of job and merges their results. Plaintext
// segment data is released once all pipelines have encrypted it.
func (d *Dispatcher) Run(ctx context.Context, job Job) (*Registration, error) {
	if err := validateSegments(job); err != nil {
		return nil, errs.WithStage(errs.StageTranscoding, err)
	}
	if job.Signer == nil {
		return nil, errors.New("dispatch: signer is required")
	}

	strategies, reg, err := d.strategies(job)
	if err != nil {
		return nil, err
	}

	var pending atomic.Int32
	pending.Store(int32(len(strategies)))
	release := func() {
		if pending.Add(-1) == 0 {
			for _, seg := range job.Segments {
				seg.Release()
			}
		}
	}
	tick := d.progress.Counter(errs.StageEncrypting, len(job.Segments)*len(strategies), "segment encrypted")

	var mu sync.Mutex
	results := make([]*PipelineResult, 0, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range strategies {
		g.Go(func() error {
			res, err := d.runPipeline(gctx, s, job, release, tick)
			if err != nil {
				return fmt.Errorf("%s pipeline: %w", s.Scheme(), err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Scheme < results[j].Scheme })
	for _, res := range results {
		reg.Renditions = append(reg.Renditions, res.Renditions...)
		reg.MasterManifestAddresses[res.Scheme] = res.MasterManifestAddress
		reg.Cost += res.Cost
	}
	return reg, nil
}

func (d *Dispatcher) strategies(job Job) ([]Strategy, *Registration, error) {
	schemes, err := job.EncryptionType.Schemes()
	if err != nil {
		return nil, nil, err
	}
	reg := &Registration{
		MasterManifestAddresses: make(map[model.SchemeKind]string, len(schemes)),
		BackupKeys:              make(map[string][]byte),
	}

	out := make([]Strategy, 0, len(schemes))
	for _, scheme := range schemes {
		switch scheme {
		case model.SchemeDek:
			s := &dekStrategy{enc: encryption.NewSegmentEncryptor(), custody: d.custody}
			if job.KeyScheme == model.KeySchemeRootSecret {
				legacy, err := encryption.NewRootSecretEncryptor(job.VideoID)
				if err != nil {
					return nil, nil, errs.WithStage(errs.StageEncrypting, err)
				}
				wrapped, err := d.custody.Wrap(legacy.RootSecret())
				if err != nil {
					return nil, nil, errs.WithStage(errs.StageEncrypting, err)
				}
				reg.WrappedRootSecret = wrapped
				s.legacy = legacy
			}
			out = append(out, s)
		case model.SchemeSeal:
			if d.seal == nil {
				return nil, nil, fmt.Errorf("dispatch: %s requires key servers", job.EncryptionType)
			}
			out = append(out, &sealStrategy{
				enc:     d.seal,
				custody: d.custody,
				binding: seal.Binding{
					PolicyScope: job.PolicyScope,
					CreatorRef:  job.CreatorRef,
					VideoID:     job.VideoID,
				},
				backupKeys: reg.BackupKeys,
			})
		}
	}
	return out, reg, nil
}

func (d *Dispatcher) runPipeline(
	ctx context.Context,
	s Strategy,
	job Job,
	release func(),
	tick func(),
) (*PipelineResult, error) {
	scheme := s.Scheme()
	log := d.log.With("video", job.VideoID, "scheme", scheme.String())

	records := make([]model.EncryptedSegmentRecord, len(job.Segments))
	blobs := make([]*upload.Blob, len(job.Segments))
	for i, seg := range job.Segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ct, rec, err := s.encryptSegment(seg)
		if err != nil {
			return nil, errs.WithStage(errs.StageEncrypting, err)
		}
		rec.Size = len(ct)
		records[i] = rec
		blobs[i] = &upload.Blob{Name: scheme.String() + "/" + seg.Identifier(), Data: ct}
		tick()
	}
	if legacy := legacyOf(s); legacy != nil {
		legacy.Zero()
	}
	release()
	log.Debug("segments encrypted", "count", len(records))

	res := &PipelineResult{Scheme: scheme}
	up, err := d.uploader.Upload(ctx, blobs, job.Signer, job.Epochs)
	if err != nil {
		return nil, err
	}
	res.Cost += up.Cost
	for i := range records {
		records[i].ContentAddress = up.Addresses[i]
	}

	renditions := groupRenditions(scheme, job.Qualities, job.Segments, records)
	manifests := make([]*upload.Blob, len(renditions))
	for i, r := range renditions {
		data, err := d.playlist.BuildMedia(r)
		if err != nil {
			return nil, errs.WithStage(errs.StageRegistering, err)
		}
		manifests[i] = &upload.Blob{Name: scheme.String() + "/" + r.QualityLabel + "/manifest", Data: data}
	}
	up, err = d.uploader.Upload(ctx, manifests, job.Signer, job.Epochs)
	if err != nil {
		return nil, err
	}
	res.Cost += up.Cost

	variants := make([]playlist.Variant, len(renditions))
	for i := range renditions {
		renditions[i].ManifestAddress = up.Addresses[i]
		variants[i] = playlist.Variant{
			QualityLabel:    renditions[i].QualityLabel,
			Resolution:      renditions[i].Resolution,
			Bitrate:         renditions[i].Bitrate,
			ManifestAddress: up.Addresses[i],
		}
	}
	master, err := d.playlist.BuildMaster(variants)
	if err != nil {
		return nil, errs.WithStage(errs.StageRegistering, err)
	}
	up, err = d.uploader.Upload(ctx, []*upload.Blob{{Name: scheme.String() + "/master", Data: master}}, job.Signer, job.Epochs)
	if err != nil {
		return nil, err
	}
	res.Cost += up.Cost
	res.MasterManifestAddress = up.Addresses[0]
	res.Renditions = renditions

	log.Info("pipeline finished", "renditions", len(renditions), "master", res.MasterManifestAddress, "cost", res.Cost)
	return res, nil
}

func legacyOf(s Strategy) *encryption.RootSecretEncryptor {
	if d, ok := s.(*dekStrategy); ok {
		return d.legacy
	}
	return nil
}

// groupRenditions builds one rendition per requested quality, in request
// order, with its segments sorted by index.
func groupRenditions(
	scheme model.SchemeKind,
	qualities []interfaces.QualitySpec,
	segments []*model.Segment,
	records []model.EncryptedSegmentRecord,
) []model.Rendition {
	byQuality := make(map[string]*model.Rendition, len(qualities))
	out := make([]model.Rendition, len(qualities))
	for i, q := range qualities {
		out[i] = model.Rendition{
			Scheme:       scheme,
			QualityLabel: q.Label,
			Resolution:   q.Resolution,
			Bitrate:      q.Bitrate,
		}
		byQuality[q.Label] = &out[i]
	}
	for i, seg := range segments {
		r := byQuality[seg.Quality]
		r.Segments = append(r.Segments, records[i])
	}
	for i := range out {
		out[i].SortSegments()
	}
	return out
}

// validateSegments rejects transcoder output that cannot form valid
// manifests, before anything is encrypted or sent.
func validateSegments(job Job) error {
	if len(job.Qualities) == 0 {
		return fmt.Errorf("%w: no qualities", errs.ErrInvalidManifestState)
	}
	type state struct {
		indices map[int]bool
		media   int
	}
	seen := make(map[string]*state, len(job.Qualities))
	for _, q := range job.Qualities {
		if q.Label == "" || seen[q.Label] != nil {
			return fmt.Errorf("%w: empty or duplicate quality %q", errs.ErrInvalidManifestState, q.Label)
		}
		seen[q.Label] = &state{indices: map[int]bool{}}
	}
	for _, seg := range job.Segments {
		st, ok := seen[seg.Quality]
		if !ok {
			return fmt.Errorf("%w: segment %s has unrequested quality", errs.ErrInvalidManifestState, seg.Identifier())
		}
		if seg.Index < model.InitSegmentIndex || st.indices[seg.Index] {
			return fmt.Errorf("%w: invalid or duplicate segment %s", errs.ErrInvalidManifestState, seg.Identifier())
		}
		st.indices[seg.Index] = true
		if !seg.IsInit() {
			st.media++
		}
	}
	for label, st := range seen {
		if st.media == 0 {
			return fmt.Errorf("%w: rendition %s is empty", errs.ErrInvalidManifestState, label)
		}
		for i := 0; i < st.media; i++ {
			if !st.indices[i] {
				return fmt.Errorf("%w: rendition %s is missing segment %d", errs.ErrInvalidManifestState, label, i)
			}
		}
	}
	return nil
}
