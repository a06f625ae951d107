// Package model provides the data structures shared by the upload and
// playback paths of ouroboros-media.
package model

import (
	"fmt"
	"time"
)

// InitSegmentIndex marks the initialization segment of a rendition.
const InitSegmentIndex = -1

// Segment is one transcoder output unit. Data only lives in memory and is
// released once every encryption pipeline has consumed it.
type Segment struct {
	// Quality is the rendition label, e.g. "720p".
	Quality string

	// Index is InitSegmentIndex for the init segment, else 0..N-1.
	Index int

	// PlaintextSize is the size of Data before release.
	PlaintextSize int

	// Duration is zero for the init segment.
	Duration time.Duration

	// Data is the cleartext payload (never persisted).
	Data []byte
}

// IsInit reports whether the segment is the rendition's init segment.
func (s *Segment) IsInit() bool {
	return s.Index == InitSegmentIndex
}

// Identifier returns the stable "<quality>/<index>" identifier of the
// segment. The init segment uses "init" as its index.
func (s *Segment) Identifier() string {
	return SegmentIdentifier(s.Quality, s.Index)
}

// Release drops the reference to the cleartext payload.
func (s *Segment) Release() {
	s.Data = nil
}

// SegmentIdentifier formats a quality/index pair the same way
// Segment.Identifier does.
func SegmentIdentifier(quality string, index int) string {
	if index == InitSegmentIndex {
		return quality + "/init"
	}
	return fmt.Sprintf("%s/%d", quality, index)
}

// DekScheme is the persisted form of an independently keyed segment. The
// wrapped blob holds dek(16) ‖ iv(12) encrypted under the custody master
// key. For legacy root-secret videos WrappedKey is empty: the key is a pure
// function of the video's wrapped root secret and the segment position.
type DekScheme struct {
	WrappedKey WrappedKeyMaterial
}

// SealScheme references threshold-encrypted content. No symmetric segment
// key is stored for this scheme; the backup key is kept custody-wrapped for
// out-of-band recovery only.
type SealScheme struct {
	DocumentID       string
	WrappedBackupKey WrappedKeyMaterial
	Threshold        uint8
	KeyServerIDs     []string
}

// EncryptedSegmentRecord is the durable description of one uploaded
// ciphertext. Exactly one of Dek or Seal is set.
type EncryptedSegmentRecord struct {
	Index          int
	ContentAddress string
	Size           int
	Duration       time.Duration

	Dek  *DekScheme
	Seal *SealScheme
}

// SchemeKind returns the kind of the populated scheme. Records violating
// the exactly-one rule report SchemeUnknown.
func (r *EncryptedSegmentRecord) SchemeKind() SchemeKind {
	switch {
	case r.Dek != nil && r.Seal == nil:
		return SchemeDek
	case r.Seal != nil && r.Dek == nil:
		return SchemeSeal
	default:
		return SchemeUnknown
	}
}

// Validate checks that exactly one scheme is populated and that it is the
// scheme the owning rendition was produced with.
func (r *EncryptedSegmentRecord) Validate(want SchemeKind) error {
	got := r.SchemeKind()
	if got == SchemeUnknown {
		return fmt.Errorf("segment %d: exactly one scheme must be populated", r.Index)
	}
	if got != want {
		return fmt.Errorf("segment %d: scheme %s does not match rendition scheme %s", r.Index, got, want)
	}
	if r.ContentAddress == "" {
		return fmt.Errorf("segment %d: missing content address", r.Index)
	}
	return nil
}

// WrappedKeyMaterial is key material encrypted by the key custody service.
// It is the only form of a key that may be persisted.
type WrappedKeyMaterial []byte
