// Package errs defines the error taxonomy of ouroboros-media.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrEncryptionFailure aborts the whole video upload.
	ErrEncryptionFailure = errors.New("ouroboros-media: encryption failure")
	// ErrStorageNodeOverload is retryable up to the configured attempt
	// budget, then fatal.
	ErrStorageNodeOverload = errors.New("ouroboros-media: storage node overloaded")
	// ErrKeyWrapIntegrity is returned when wrapped key material cannot be
	// authenticated. No key bytes accompany it.
	ErrKeyWrapIntegrity = errors.New("ouroboros-media: key wrap integrity error")
	// ErrSessionNotFound covers unknown, terminated and expired sessions.
	ErrSessionNotFound = errors.New("ouroboros-media: session not found")
	// ErrSessionNotExtended is returned by a refresh that cannot move the
	// expiry forward, usually because the session already expires at its
	// hard lifetime. The session stays usable until that expiry.
	ErrSessionNotExtended = errors.New("ouroboros-media: session expiry cannot be extended")
	// ErrPolicyDenied means the requester is authenticated but not
	// authorized for the content.
	ErrPolicyDenied = errors.New("ouroboros-media: access policy denied")
	// ErrInvalidManifestState rejects manifests before any network call.
	ErrInvalidManifestState = errors.New("ouroboros-media: invalid manifest state")
	// ErrNotFound is returned by metadata lookups for unknown records.
	ErrNotFound = errors.New("ouroboros-media: not found")
)

// ErrSessionExpired is the same value as ErrSessionNotFound so callers can
// never tell an expired session from one that never existed.
var ErrSessionExpired = ErrSessionNotFound

// Stage names the pipeline step an upload error happened in.
type Stage string

const (
	StageTranscoding Stage = "transcoding"
	StageEncrypting  Stage = "encrypting"
	StageUploading   Stage = "uploading"
	StageRegistering Stage = "registering"
)

// StageError tags an error with the upload stage it came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WithStage wraps err in a StageError unless it already carries one.
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage tag of err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
