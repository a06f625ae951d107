package session

import (
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/interfaces"
)

// EphemeralKeyStore holds the server's per-session X25519 private keys.
// Keys live only in process memory and are dropped at their hard deadline
// no matter how often the session is refreshed. Every read, write and
// delete happens under one mutex, so a key is never used while it is
// being removed.
type EphemeralKeyStore struct {
	mu      sync.Mutex
	entries map[string]ephemeralEntry
	clock   interfaces.Clock
}

type ephemeralEntry struct {
	key      *ecdh.PrivateKey
	deadline time.Time
}

// NewEphemeralKeyStore creates an empty store.
func NewEphemeralKeyStore(clock interfaces.Clock) *EphemeralKeyStore {
	if clock == nil {
		clock = interfaces.SystemClock()
	}
	return &EphemeralKeyStore{
		entries: make(map[string]ephemeralEntry),
		clock:   clock,
	}
}

// Put stores key for sessionID until deadline.
func (s *EphemeralKeyStore) Put(
	sessionID string,
	key *ecdh.PrivateKey,
	deadline time.Time,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = ephemeralEntry{key: key, deadline: deadline}
}

// Use runs fn with the session's private key while holding the store lock.
// A missing or expired key yields errs.ErrSessionNotFound; expired keys are
// deleted on the spot.
func (s *EphemeralKeyStore) Use(
	sessionID string,
	fn func(key *ecdh.PrivateKey) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	if !s.clock.Now().Before(entry.deadline) {
		delete(s.entries, sessionID)
		return errs.ErrSessionNotFound
	}
	return fn(entry.key)
}

// Has reports whether a live key exists for sessionID.
func (s *EphemeralKeyStore) Has(sessionID string) bool {
	return s.Use(sessionID, func(*ecdh.PrivateKey) error { return nil }) == nil
}

// Delete drops the key for sessionID.
func (s *EphemeralKeyStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Sweep deletes every expired key and returns how many were removed.
func (s *EphemeralKeyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for id, entry := range s.entries {
		if !now.Before(entry.deadline) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored keys, expired ones included.
func (s *EphemeralKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
