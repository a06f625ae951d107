package metastore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-media/pkg/model"
)

const recordVersion = 1

// segmentRecord flattens the scheme variant so an empty legacy DEK scheme
// survives encoding.
type segmentRecord struct {
	Index          int
	ContentAddress string
	Size           int
	Duration       time.Duration
	Scheme         model.SchemeKind

	WrappedKey []byte

	DocumentID       string
	WrappedBackupKey []byte
	Threshold        uint8
	KeyServerIDs     []string
}

type renditionRecord struct {
	Version         int
	Scheme          model.SchemeKind
	QualityLabel    string
	Resolution      string
	Bitrate         uint32
	ManifestAddress string
	Segments        []segmentRecord
}

type videoRecord struct {
	Version int
	Video   model.Video
}

type sessionRecord struct {
	Version int
	Session model.PlaybackSession
}

func toRenditionRecord(r model.Rendition) renditionRecord {
	out := renditionRecord{
		Version:         recordVersion,
		Scheme:          r.Scheme,
		QualityLabel:    r.QualityLabel,
		Resolution:      r.Resolution,
		Bitrate:         r.Bitrate,
		ManifestAddress: r.ManifestAddress,
		Segments:        make([]segmentRecord, len(r.Segments)),
	}
	for i, s := range r.Segments {
		rec := segmentRecord{
			Index:          s.Index,
			ContentAddress: s.ContentAddress,
			Size:           s.Size,
			Duration:       s.Duration,
			Scheme:         s.SchemeKind(),
		}
		switch rec.Scheme {
		case model.SchemeDek:
			rec.WrappedKey = s.Dek.WrappedKey
		case model.SchemeSeal:
			rec.DocumentID = s.Seal.DocumentID
			rec.WrappedBackupKey = s.Seal.WrappedBackupKey
			rec.Threshold = s.Seal.Threshold
			rec.KeyServerIDs = s.Seal.KeyServerIDs
		}
		out.Segments[i] = rec
	}
	return out
}

func (r renditionRecord) rendition() (model.Rendition, error) {
	out := model.Rendition{
		Scheme:          r.Scheme,
		QualityLabel:    r.QualityLabel,
		Resolution:      r.Resolution,
		Bitrate:         r.Bitrate,
		ManifestAddress: r.ManifestAddress,
		Segments:        make([]model.EncryptedSegmentRecord, len(r.Segments)),
	}
	for i, s := range r.Segments {
		rec := model.EncryptedSegmentRecord{
			Index:          s.Index,
			ContentAddress: s.ContentAddress,
			Size:           s.Size,
			Duration:       s.Duration,
		}
		switch s.Scheme {
		case model.SchemeDek:
			rec.Dek = &model.DekScheme{WrappedKey: s.WrappedKey}
		case model.SchemeSeal:
			rec.Seal = &model.SealScheme{
				DocumentID:       s.DocumentID,
				WrappedBackupKey: s.WrappedBackupKey,
				Threshold:        s.Threshold,
				KeyServerIDs:     s.KeyServerIDs,
			}
		default:
			return model.Rendition{}, fmt.Errorf("segment %d has no scheme", s.Index)
		}
		out.Segments[i] = rec
	}
	return out, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
