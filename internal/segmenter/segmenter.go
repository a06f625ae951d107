// Package segmenter provides a passthrough Transcoder. It does not touch
// codecs: the source bytes are cut into segments and every requested
// quality receives the same segments. It stands in for a real transcoder
// in the daemon and in tests.
package segmenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	defaultSegmentSize     = 1 << 20
	defaultSegmentDuration = 4 * time.Second
)

// Config configures a Segmenter.
type Config struct {
	// SegmentSize is the target segment size in bytes.
	SegmentSize int
	// SegmentDuration is the duration attributed to each media segment.
	SegmentDuration time.Duration
	// ContentDefined cuts at Rabin fingerprint boundaries instead of fixed
	// sizes.
	ContentDefined bool
	// InitSegment emits a per-quality init segment describing the output.
	InitSegment bool
	// PosterSize takes the first PosterSize source bytes as the poster.
	PosterSize int
	Logger     *slog.Logger
}

// Segmenter implements interfaces.Transcoder.
type Segmenter struct {
	cfg Config
	log *slog.Logger
}

// New creates a Segmenter.
func New(cfg Config) *Segmenter {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = defaultSegmentDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Segmenter{cfg: cfg, log: cfg.Logger}
}

// Transcode implements interfaces.Transcoder.
func (s *Segmenter) Transcode(
	ctx context.Context,
	source io.Reader,
	qualities []interfaces.QualitySpec,
) (*interfaces.TranscodeOutput, error) {
	if len(qualities) == 0 {
		return nil, errors.New("segmenter: no qualities requested")
	}
	var poster []byte
	if s.cfg.PosterSize > 0 {
		poster = make([]byte, s.cfg.PosterSize)
		n, err := io.ReadFull(source, poster)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("segmenter: read poster: %w", err)
		}
		poster = poster[:n]
		source = io.MultiReader(bytes.NewReader(poster), source)
	}

	var c chunker
	if s.cfg.ContentDefined {
		c = newRabinChunker(source, uint64(s.cfg.SegmentSize))
	} else {
		c = newSizeChunker(source, int64(s.cfg.SegmentSize))
	}

	var chunks [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("segmenter: chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return nil, errors.New("segmenter: empty source")
	}

	out := &interfaces.TranscodeOutput{
		VideoID:   uuid.NewString(),
		Duration:  time.Duration(len(chunks)) * s.cfg.SegmentDuration,
		Qualities: qualities,
	}
	if len(poster) > 0 {
		out.Poster = poster
	}
	for _, q := range qualities {
		if s.cfg.InitSegment {
			init := []byte(fmt.Sprintf("passthrough;quality=%s;resolution=%s;bitrate=%d", q.Label, q.Resolution, q.Bitrate))
			out.Segments = append(out.Segments, &model.Segment{
				Quality:       q.Label,
				Index:         model.InitSegmentIndex,
				PlaintextSize: len(init),
				Data:          init,
			})
		}
		for i, chunk := range chunks {
			data := bytes.Clone(chunk)
			out.Segments = append(out.Segments, &model.Segment{
				Quality:       q.Label,
				Index:         i,
				PlaintextSize: len(data),
				Duration:      s.cfg.SegmentDuration,
				Data:          data,
			})
		}
	}
	s.log.Debug("source segmented", "video", out.VideoID, "segments", len(chunks), "qualities", len(qualities))
	return out, nil
}
