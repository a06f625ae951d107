package dispatch

import (
	"fmt"

	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/encryption"
	"github.com/i5heu/ouroboros-media/internal/seal"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

// Strategy is one encryption pipeline. The set of strategies is closed:
// DEK and SEAL, chosen once per video from its encryption type.
type Strategy interface {
	Scheme() model.SchemeKind
	encryptSegment(seg *model.Segment) ([]byte, model.EncryptedSegmentRecord, error)
}

// dekStrategy encrypts every segment under its own random key, or under
// the legacy root-secret derivation, and custody-wraps the key.
type dekStrategy struct {
	enc     *encryption.SegmentEncryptor
	legacy  *encryption.RootSecretEncryptor
	custody *custody.Service
}

func (s *dekStrategy) Scheme() model.SchemeKind { return model.SchemeDek }

func (s *dekStrategy) encryptSegment(seg *model.Segment) ([]byte, model.EncryptedSegmentRecord, error) {
	rec := model.EncryptedSegmentRecord{Index: seg.Index, Duration: seg.Duration}

	if s.legacy != nil {
		ct, err := s.legacy.Encrypt(seg)
		if err != nil {
			return nil, rec, err
		}
		rec.Dek = &model.DekScheme{}
		return ct, rec, nil
	}

	ct, key, err := s.enc.Encrypt(seg)
	if err != nil {
		return nil, rec, err
	}
	plain := key.Bytes()
	key.Zero()
	wrapped, err := s.custody.Wrap(plain)
	custody.Zero(plain)
	if err != nil {
		return nil, rec, fmt.Errorf("wrap key of %s: %w", seg.Identifier(), err)
	}
	rec.Dek = &model.DekScheme{WrappedKey: wrapped}
	return ct, rec, nil
}

// sealStrategy threshold-encrypts segments to the key servers and keeps
// only the custody-wrapped backup key.
type sealStrategy struct {
	enc        *seal.Encryptor
	custody    *custody.Service
	binding    seal.Binding
	backupKeys map[string][]byte
}

func (s *sealStrategy) Scheme() model.SchemeKind { return model.SchemeSeal }

func (s *sealStrategy) encryptSegment(seg *model.Segment) ([]byte, model.EncryptedSegmentRecord, error) {
	rec := model.EncryptedSegmentRecord{Index: seg.Index, Duration: seg.Duration}

	res, err := s.enc.Encrypt(seg, s.binding)
	if err != nil {
		return nil, rec, err
	}
	wrapped, err := s.custody.Wrap(res.BackupKey)
	if err != nil {
		return nil, rec, fmt.Errorf("wrap backup key of %s: %w", seg.Identifier(), err)
	}
	s.backupKeys[seg.Identifier()] = res.BackupKey
	rec.Seal = &model.SealScheme{
		DocumentID:       res.DocumentID.String(),
		WrappedBackupKey: wrapped,
		Threshold:        s.enc.Threshold(),
		KeyServerIDs:     s.enc.KeyServerIDs(),
	}
	return res.Ciphertext, rec, nil
}
