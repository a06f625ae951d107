package model

import "time"

// PlaybackSession is the durable half of a playback session. The server's
// ephemeral private key is deliberately absent: it only lives in the
// process-local ephemeral key store.
type PlaybackSession struct {
	// ID is the SHA-256 of the session token; the token is never stored.
	ID        string
	VideoRef  string
	ViewerRef string

	ClientPublicKey []byte
	ServerPublicKey []byte
	ServerNonce     []byte

	DeviceFingerprintHash string

	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *PlaybackSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SegmentRef addresses one segment of one pipeline of a video.
type SegmentRef struct {
	Scheme  SchemeKind
	Quality string
	Index   int
}
