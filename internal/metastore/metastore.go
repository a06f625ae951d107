// Package metastore persists videos, renditions and the durable half of
// playback sessions on the key/value store.
//
// Key layout:
//
//	video:<videoID>
//	rendition:<videoID>:<scheme>:<quality>
//	session:<sessionID>
package metastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-media/internal/keyValStore"
	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const (
	videoPrefix     = "video:"
	renditionPrefix = "rendition:"
	sessionPrefix   = "session:"

	defaultSessionGrace = time.Hour
)

// ErrVideoExists is returned when a video id is registered twice.
var ErrVideoExists = errors.New("metastore: video already exists")

// Config configures a Store.
type Config struct {
	KV    *keyValStore.KeyValStore
	Clock interfaces.Clock
	// SessionGrace is added to a session's expiry to form the TTL of its
	// record. Expiry itself is enforced by the session service.
	SessionGrace time.Duration
	Logger       *slog.Logger
}

// Store implements interfaces.MetadataStore and interfaces.SessionStore.
type Store struct {
	kv    *keyValStore.KeyValStore
	clock interfaces.Clock
	grace time.Duration
	log   *slog.Logger
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("metastore: key/value store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = interfaces.SystemClock()
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = defaultSessionGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{kv: cfg.KV, clock: cfg.Clock, grace: cfg.SessionGrace, log: cfg.Logger}, nil
}

func videoKey(id string) []byte {
	return []byte(videoPrefix + id)
}

func renditionKey(videoID string, scheme model.SchemeKind, quality string) []byte {
	return []byte(renditionPrefix + videoID + ":" + scheme.String() + ":" + quality)
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

// CreateVideo validates and stores video with all its renditions in one
// transaction. Registering an existing id fails with ErrVideoExists.
func (s *Store) CreateVideo(ctx context.Context, video model.Video, renditions []model.Rendition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if video.ID == "" || strings.Contains(video.ID, ":") {
		return fmt.Errorf("metastore: invalid video id %q", video.ID)
	}
	if err := video.ValidateRenditions(renditions); err != nil {
		return fmt.Errorf("metastore: %w", err)
	}

	vdata, err := encode(videoRecord{Version: recordVersion, Video: video})
	if err != nil {
		return fmt.Errorf("metastore: encode video %s: %w", video.ID, err)
	}
	batch := []keyValStore.Entry{{Key: videoKey(video.ID), Value: vdata}}
	for _, r := range renditions {
		rdata, err := encode(toRenditionRecord(r))
		if err != nil {
			return fmt.Errorf("metastore: encode rendition %s/%s: %w", r.Scheme, r.QualityLabel, err)
		}
		batch = append(batch, keyValStore.Entry{Key: renditionKey(video.ID, r.Scheme, r.QualityLabel), Value: rdata})
	}

	written, err := s.kv.WriteIfAbsent(videoKey(video.ID), batch)
	if err != nil {
		return fmt.Errorf("metastore: create video %s: %w", video.ID, err)
	}
	if !written {
		return fmt.Errorf("%w: %s", ErrVideoExists, video.ID)
	}
	s.log.Debug("video registered", "video", video.ID, "renditions", len(renditions))
	return nil
}

// GetVideo implements interfaces.MetadataStore.
func (s *Store) GetVideo(ctx context.Context, videoID string) (model.Video, error) {
	var rec videoRecord
	if err := s.get(ctx, videoKey(videoID), &rec); err != nil {
		return model.Video{}, fmt.Errorf("metastore: video %s: %w", videoID, err)
	}
	return rec.Video, nil
}

// ListVideos returns every registered video ordered by creation time.
func (s *Store) ListVideos(ctx context.Context) ([]model.Video, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.kv.GetItemsWithPrefix([]byte(videoPrefix))
	if err != nil {
		return nil, fmt.Errorf("metastore: list videos: %w", err)
	}
	out := make([]model.Video, 0, len(items))
	for _, it := range items {
		var rec videoRecord
		if err := decode(it.Value, &rec); err != nil {
			return nil, fmt.Errorf("metastore: decode %s: %w", it.Key, err)
		}
		out = append(out, rec.Video)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetRenditions implements interfaces.MetadataStore.
func (s *Store) GetRenditions(ctx context.Context, videoID string) ([]model.Rendition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.kv.GetItemsWithPrefix([]byte(renditionPrefix + videoID + ":"))
	if err != nil {
		return nil, fmt.Errorf("metastore: renditions of %s: %w", videoID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("metastore: renditions of %s: %w", videoID, errs.ErrNotFound)
	}
	out := make([]model.Rendition, 0, len(items))
	for _, it := range items {
		var rec renditionRecord
		if err := decode(it.Value, &rec); err != nil {
			return nil, fmt.Errorf("metastore: decode %s: %w", it.Key, err)
		}
		r, err := rec.rendition()
		if err != nil {
			return nil, fmt.Errorf("metastore: %s: %w", it.Key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GetRendition implements interfaces.MetadataStore.
func (s *Store) GetRendition(
	ctx context.Context,
	videoID string,
	scheme model.SchemeKind,
	quality string,
) (model.Rendition, error) {
	var rec renditionRecord
	if err := s.get(ctx, renditionKey(videoID, scheme, quality), &rec); err != nil {
		return model.Rendition{}, fmt.Errorf("metastore: rendition %s/%s/%s: %w", videoID, scheme, quality, err)
	}
	r, err := rec.rendition()
	if err != nil {
		return model.Rendition{}, fmt.Errorf("metastore: rendition %s/%s/%s: %w", videoID, scheme, quality, err)
	}
	return r, nil
}

// PutSession implements interfaces.SessionStore.
func (s *Store) PutSession(ctx context.Context, session model.PlaybackSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(sessionRecord{Version: recordVersion, Session: session})
	if err != nil {
		return fmt.Errorf("metastore: encode session: %w", err)
	}
	ttl := session.ExpiresAt.Sub(s.clock.Now())
	if ttl < 0 {
		ttl = 0
	}
	err = s.kv.WriteBatch([]keyValStore.Entry{{Key: sessionKey(session.ID), Value: data, TTL: ttl + s.grace}})
	if err != nil {
		return fmt.Errorf("metastore: put session: %w", err)
	}
	return nil
}

// GetSession implements interfaces.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (model.PlaybackSession, error) {
	var rec sessionRecord
	if err := s.get(ctx, sessionKey(id), &rec); err != nil {
		return model.PlaybackSession{}, fmt.Errorf("metastore: session: %w", err)
	}
	return rec.Session, nil
}

// DeleteSession implements interfaces.SessionStore.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(sessionKey(id)); err != nil {
		return fmt.Errorf("metastore: delete session: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.kv.Read(key)
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return errs.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := decode(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
