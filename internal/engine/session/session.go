// Package session implements archdrop's Session Authority: the single
// process-wide state machine that owns the session token, the derived
// cipher, and the mode-specific payload, and arbitrates single-use
// acquisition via an atomic compare-and-exchange.
package session

import (
	"crypto/cipher"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
)

// Mode distinguishes which side of a transfer a Session was created for.
type Mode int

const (
	SendMode Mode = iota
	ReceiveMode
)

// FileEntry is one file in a send-mode Manifest. FullPath is kept only so
// the Send Path can open the file; it is never serialized to the wire.
type FileEntry struct {
	Index        int
	Name         string
	RelativePath string
	Size         int64
	NonceBase    []byte
	FullPath     string
}

// Manifest is the ordered, dense-indexed sequence of files a send-mode
// Session will serve.
type Manifest []FileEntry

// Session is the single transfer-lifetime authority: one token, one key,
// one cipher, a claimed flag that can only ever transition false -> true
// once, and a completed flag set exactly once at the end of the transfer.
type Session struct {
	token string
	aead  cipher.AEAD
	mode  Mode

	manifest    Manifest
	destination string

	claimed   atomic.Bool
	completed atomic.Bool
}

// NewSend constructs a send-mode Session serving manifest, generating a
// fresh token and deriving the AEAD cipher from key.
func NewSend(manifest Manifest, key []byte) (*Session, string, error) {
	return newSession(SendMode, manifest, "", key)
}

// NewReceive constructs a receive-mode Session that will accept uploads
// destined for destinationPath.
func NewReceive(destinationPath string, key []byte) (*Session, string, error) {
	return newSession(ReceiveMode, nil, destinationPath, key)
}

func newSession(mode Mode, manifest Manifest, destination string, key []byte) (*Session, string, error) {
	aeadKey, err := enginecrypto.DeriveAEADKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("session: derive AEAD key: %w", err)
	}
	aead, err := enginecrypto.NewCipher(aeadKey)
	if err != nil {
		return nil, "", fmt.Errorf("session: construct cipher: %w", err)
	}
	token := uuid.NewString()
	s := &Session{
		token:       token,
		aead:        aead,
		mode:        mode,
		manifest:    manifest,
		destination: destination,
	}
	return s, token, nil
}

// Mode reports whether this Session was constructed for send or receive.
func (s *Session) Mode() Mode { return s.mode }

// Manifest returns the send-mode file list. Empty for a receive Session.
func (s *Session) Manifest() Manifest { return s.manifest }

// Destination returns the receive-mode destination root. Empty for a send
// Session.
func (s *Session) Destination() string { return s.destination }

// Cipher returns the AEAD derived once at construction, shared across all
// chunk operations for the life of the Session.
func (s *Session) Cipher() cipher.AEAD { return s.aead }

// Claim is the system's sole authentication check: it atomically
// transitions claimed from false to true iff tokenCandidate matches and
// no prior claim succeeded. A non-atomic read-then-write would be a bug
// here, since the claim is the only gate a second client faces.
func (s *Session) Claim(tokenCandidate string) bool {
	if tokenCandidate != s.token {
		return false
	}
	return s.claimed.CompareAndSwap(false, true)
}

// IsActive reports whether tokenCandidate may still operate on this
// Session: it must match the token, the Session must already be claimed,
// and it must not yet be completed.
func (s *Session) IsActive(tokenCandidate string) bool {
	if tokenCandidate != s.token {
		return false
	}
	return s.claimed.Load() && !s.completed.Load()
}

// Complete marks the transfer finished; subsequent IsActive checks fail
// for every caller. Idempotent.
func (s *Session) Complete() {
	s.completed.Store(true)
}

// Completed reports whether Complete has been called.
func (s *Session) Completed() bool {
	return s.completed.Load()
}
