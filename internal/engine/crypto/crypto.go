// Package crypto implements archdrop's Crypto Primitives: AES-256-GCM
// chunk encryption under a deterministic per-chunk nonce, and the CSPRNG
// generators for session keys and per-file nonce bases.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the length in bytes of the raw shared secret
	// embedded in the transfer URL fragment.
	SessionKeySize = 32

	// NonceBaseSize is the length in bytes of the per-file random nonce
	// prefix. Combined with a 4-byte counter and a reserved zero byte it
	// forms the 12-byte GCM nonce.
	NonceBaseSize = 7

	// nonceCounterSize is the width of the big-endian chunk counter
	// embedded in every chunk nonce.
	nonceCounterSize = 4

	// gcmNonceSize is the total nonce length AES-GCM expects.
	gcmNonceSize = NonceBaseSize + nonceCounterSize + 1

	// hkdfInfo domain-separates the AEAD key derived from a SessionKey
	// from any other use of the same shared secret.
	hkdfInfo = "archdrop-chunk-key-v1"

	// maxChunkCounter is the last counter value a nonce can address; a
	// file requiring more chunks than this would repeat a nonce under
	// the same key and must be rejected instead.
	maxChunkCounter = ^uint32(0)
)

// GenerateSessionKey returns a fresh CSPRNG-sourced shared secret. The raw
// key is never used directly as an AES key; DeriveAEADKey expands it first.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// GenerateNonceBase returns a fresh CSPRNG-sourced per-file nonce prefix.
func GenerateNonceBase() ([]byte, error) {
	base := make([]byte, NonceBaseSize)
	if _, err := io.ReadFull(rand.Reader, base); err != nil {
		return nil, fmt.Errorf("generate nonce base: %w", err)
	}
	return base, nil
}

// DeriveAEADKey expands a raw SessionKey into the AES-256 key actually used
// for chunk encryption, via HKDF-SHA256 with a fixed, domain-separating
// info string. The derivation is a pure function of the session key; the
// server holds only what spec.md already grants it.
func DeriveAEADKey(sessionKey []byte) ([]byte, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(sessionKey))
	}
	reader := hkdf.New(sha256.New, sessionKey, nil, []byte(hkdfInfo))
	aeadKey := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, aeadKey); err != nil {
		return nil, fmt.Errorf("derive AEAD key: %w", err)
	}
	return aeadKey, nil
}

// NewCipher builds the AES-256-GCM AEAD used for every chunk operation on
// a session, from the already-derived AEAD key.
func NewCipher(aeadKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("construct AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("construct GCM AEAD: %w", err)
	}
	return gcm, nil
}

// DeriveChunkNonce builds the 12-byte GCM nonce for a given chunk: the
// per-file NonceBase, the chunk's counter as 4 big-endian bytes, and a
// single reserved zero byte. The construction is a pure concatenation, not
// an XOR, so that nonce uniqueness can be read directly off the counter.
// The returned slice is a fresh allocation, never pooled, since callers
// pass it straight to Seal/Open without a matching Put.
func DeriveChunkNonce(nonceBase []byte, counter uint32) ([]byte, error) {
	if len(nonceBase) != NonceBaseSize {
		return nil, fmt.Errorf("nonce base must be %d bytes, got %d", NonceBaseSize, len(nonceBase))
	}
	nonce := make([]byte, 0, gcmNonceSize)
	nonce = append(nonce, nonceBase...)
	var counterBytes [nonceCounterSize]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)
	nonce = append(nonce, counterBytes[:]...)
	nonce = append(nonce, 0x00)
	return nonce, nil
}

// deriveChunkNoncePooled writes the same 12-byte nonce DeriveChunkNonce
// builds into a buffer borrowed from the global BufferPool's 12-byte
// class, so the hot per-chunk path (every Encrypt/DecryptChunk call)
// doesn't allocate a fresh slice for a value that lives only as long as
// the Seal/Open call. Callers must Put12 the returned buffer when done.
func deriveChunkNoncePooled(nonceBase []byte, counter uint32) ([]byte, error) {
	if len(nonceBase) != NonceBaseSize {
		return nil, fmt.Errorf("nonce base must be %d bytes, got %d", NonceBaseSize, len(nonceBase))
	}
	nonce := globalBufferPool.Get12()
	copy(nonce, nonceBase)
	binary.BigEndian.PutUint32(nonce[NonceBaseSize:], counter)
	nonce[gcmNonceSize-1] = 0x00
	return nonce, nil
}

// EncryptChunk seals plaintext under the given AEAD, using the nonce
// derived from nonceBase and counter. The returned slice is
// ciphertext||tag, ready to be written to the wire or to storage.
func EncryptChunk(aead cipher.AEAD, nonceBase []byte, counter uint32, plaintext []byte) ([]byte, error) {
	if counter == maxChunkCounter {
		return nil, fmt.Errorf("chunk counter exhausted at %d: nonce reuse would follow", counter)
	}
	nonce, err := deriveChunkNoncePooled(nonceBase, counter)
	if err != nil {
		return nil, err
	}
	defer globalBufferPool.Put12(nonce)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptChunk opens a ciphertext||tag buffer produced by EncryptChunk.
// Tag verification failure is reported as AuthenticationFailure via the
// returned *AuthError so callers can distinguish it from transport/IO errors.
func DecryptChunk(aead cipher.AEAD, nonceBase []byte, counter uint32, ciphertext []byte) ([]byte, error) {
	nonce, err := deriveChunkNoncePooled(nonceBase, counter)
	if err != nil {
		return nil, err
	}
	defer globalBufferPool.Put12(nonce)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &AuthError{Counter: counter, Err: err}
	}
	return plaintext, nil
}

// AuthError indicates that a chunk's GCM authentication tag failed to
// verify: the ciphertext was corrupted, truncated, or encrypted under a
// different key/nonce than claimed.
type AuthError struct {
	Counter uint32
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("chunk %d: authentication failed: %v", e.Counter, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
