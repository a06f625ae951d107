// Package interfaces defines the collaborator contracts the ouroboros-media
// core consumes: transcoding, storage network, metadata, key servers and
// access policy.
package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/i5heu/ouroboros-media/pkg/model"
)

// QualitySpec describes one requested output rendition.
type QualitySpec struct {
	Label      string
	Resolution string
	Bitrate    uint32
}

// TranscodeOutput is an ordered, already chunked transcoder result.
type TranscodeOutput struct {
	VideoID   string
	Duration  time.Duration
	Poster    []byte
	Qualities []QualitySpec
	Segments  []*model.Segment
}

// Transcoder turns a source file into plaintext segments.
type Transcoder interface {
	Transcode(
		ctx context.Context,
		source io.Reader,
		qualities []QualitySpec,
	) (*TranscodeOutput, error)
}

// MetadataStore persists registered videos. Durability and query
// semantics are the implementation's responsibility.
type MetadataStore interface {
	// CreateVideo registers a video together with all its renditions
	// atomically.
	CreateVideo(ctx context.Context, video model.Video, renditions []model.Rendition) error
	GetVideo(ctx context.Context, videoID string) (model.Video, error)
	GetRenditions(ctx context.Context, videoID string) ([]model.Rendition, error)
	GetRendition(
		ctx context.Context,
		videoID string,
		scheme model.SchemeKind,
		quality string,
	) (model.Rendition, error)
}

// SessionStore persists the durable half of playback sessions.
type SessionStore interface {
	PutSession(ctx context.Context, session model.PlaybackSession) error
	// GetSession returns errs.ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (model.PlaybackSession, error)
	DeleteSession(ctx context.Context, id string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Now returns the current time.
func (realClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return realClock{}
}
