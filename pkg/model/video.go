package model

import (
	"fmt"
	"sort"
	"time"
)

// SchemeKind identifies one of the two encryption strategies.
type SchemeKind uint8

const (
	SchemeUnknown SchemeKind = iota
	SchemeDek
	SchemeSeal
)

// String returns the wire name of the scheme.
func (k SchemeKind) String() string {
	switch k {
	case SchemeDek:
		return "dek"
	case SchemeSeal:
		return "seal"
	default:
		return "unknown"
	}
}

// ParseSchemeKind is the inverse of SchemeKind.String.
func ParseSchemeKind(s string) (SchemeKind, error) {
	switch s {
	case "dek":
		return SchemeDek, nil
	case "seal":
		return SchemeSeal, nil
	default:
		return SchemeUnknown, fmt.Errorf("unknown scheme %q", s)
	}
}

// EncryptionType is the content policy selected for a video at upload time.
type EncryptionType string

const (
	EncryptionDekOnly  EncryptionType = "dek-only"
	EncryptionSealOnly EncryptionType = "seal-only"
	EncryptionBoth     EncryptionType = "both"
)

// Schemes lists the schemes an encryption type requires, in a fixed order.
func (e EncryptionType) Schemes() ([]SchemeKind, error) {
	switch e {
	case EncryptionDekOnly:
		return []SchemeKind{SchemeDek}, nil
	case EncryptionSealOnly:
		return []SchemeKind{SchemeSeal}, nil
	case EncryptionBoth:
		return []SchemeKind{SchemeDek, SchemeSeal}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type %q", string(e))
	}
}

// KeyScheme is the DEK derivation version of a video. It is stored with the
// video and is the only input that selects the read path.
type KeyScheme uint8

const (
	// KeySchemeIndependent gives every segment its own random DEK and IV.
	KeySchemeIndependent KeyScheme = iota + 1
	// KeySchemeRootSecret derives all segment keys from one root secret.
	// Kept for reading videos uploaded before independent keys.
	KeySchemeRootSecret
)

// String returns a human-readable name of the key scheme.
func (k KeyScheme) String() string {
	switch k {
	case KeySchemeIndependent:
		return "independent"
	case KeySchemeRootSecret:
		return "root-secret"
	default:
		return "unknown"
	}
}

// Rendition is one quality level of one encryption pipeline. Its media
// manifest is derived from Segments only.
type Rendition struct {
	Scheme          SchemeKind
	QualityLabel    string
	Resolution      string
	Bitrate         uint32
	ManifestAddress string
	Segments        []EncryptedSegmentRecord
}

// SortSegments orders segments by index, init segment first.
func (r *Rendition) SortSegments() {
	sort.Slice(r.Segments, func(i, j int) bool {
		return r.Segments[i].Index < r.Segments[j].Index
	})
}

// Segment returns the record with the given index.
func (r *Rendition) Segment(index int) (EncryptedSegmentRecord, bool) {
	for _, s := range r.Segments {
		if s.Index == index {
			return s, true
		}
	}
	return EncryptedSegmentRecord{}, false
}

// Video is created once all renditions are uploaded and registered.
type Video struct {
	ID             string
	Title          string
	Duration       time.Duration
	CreatorRef     string
	PolicyScope    string
	EncryptionType EncryptionType
	KeyScheme      KeyScheme

	// WrappedRootSecret is only set for KeySchemeRootSecret videos.
	WrappedRootSecret WrappedKeyMaterial

	// MasterManifestAddresses holds one master manifest per pipeline.
	MasterManifestAddresses map[SchemeKind]string
	PosterAddress           string
	CreatedAt               time.Time
}

// MasterManifestAddress returns the primary master manifest: the DEK one
// when present, the SEAL one otherwise.
func (v *Video) MasterManifestAddress() string {
	if addr, ok := v.MasterManifestAddresses[SchemeDek]; ok {
		return addr
	}
	return v.MasterManifestAddresses[SchemeSeal]
}

// ValidateRenditions checks that every rendition belongs to a pipeline the
// video's encryption type selects, that every selected pipeline produced a
// master manifest and that every segment carries exactly the matching
// scheme.
func (v *Video) ValidateRenditions(renditions []Rendition) error {
	schemes, err := v.EncryptionType.Schemes()
	if err != nil {
		return err
	}
	allowed := make(map[SchemeKind]bool, len(schemes))
	for _, s := range schemes {
		allowed[s] = true
		if v.MasterManifestAddresses[s] == "" {
			return fmt.Errorf("video %s: missing %s master manifest", v.ID, s)
		}
	}
	if len(renditions) == 0 {
		return fmt.Errorf("video %s: no renditions", v.ID)
	}
	for _, r := range renditions {
		if !allowed[r.Scheme] {
			return fmt.Errorf("video %s: rendition %s uses scheme %s not allowed by %s",
				v.ID, r.QualityLabel, r.Scheme, v.EncryptionType)
		}
		if len(r.Segments) == 0 {
			return fmt.Errorf("video %s: rendition %s has no segments", v.ID, r.QualityLabel)
		}
		for i := range r.Segments {
			if err := r.Segments[i].Validate(r.Scheme); err != nil {
				return fmt.Errorf("video %s rendition %s: %w", v.ID, r.QualityLabel, err)
			}
		}
	}
	return nil
}
