// Package storage implements archdrop's Chunk Storage component: a
// per-file sink that accepts encrypted chunks in any order and produces a
// verified plaintext destination file, adaptively buffering in memory or
// streaming straight to disk depending on the declared file size.
package storage

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine"
	"github.com/MattFrayser/archdrop/internal/metrics"
)

// recordDecrypt reports one DecryptChunk call's outcome to m, a no-op if m
// is nil (tests and callers that don't care about metrics pass none).
func recordDecrypt(m *metrics.Metrics, start time.Time, plaintextLen int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RecordEncryptionError(context.Background(), "decrypt", "authentication_failure")
		return
	}
	m.RecordEncryptionOperation(context.Background(), "decrypt", time.Since(start), int64(plaintextLen))
}

// DefaultMemoryThreshold is the file-size cutoff below which a new
// ChunkStorage buffers entirely in memory instead of streaming to disk.
const DefaultMemoryThreshold = 100 << 20 // 100 MiB

// DefaultReorderBufferCap bounds the number of out-of-order decrypted
// chunks a Streaming storage will hold in memory while waiting for the
// gap at the next expected index to close, protecting against a
// malicious or broken client that only ever sends high indices.
const DefaultReorderBufferCap = 64

// ChunkStorage accepts encrypted chunks for one file, in any order, and
// finalizes them into a verified plaintext file.
type ChunkStorage interface {
	// StoreChunk accepts one encrypted chunk. A repeat of an index
	// already stored is a no-op success (idempotent retry).
	StoreChunk(index uint32, encrypted []byte, aead cipher.AEAD, nonceBase []byte) error
	HasChunk(index uint32) bool
	ChunkCount() int
	// Finalize verifies the upload is complete, produces the plaintext
	// destination file (if not already materialized), verifies its hash
	// against expectedHash when non-empty, and returns the lowercase hex
	// SHA-256 digest of the plaintext.
	Finalize(expectedTotalChunks uint32, expectedHash string) (string, error)
}

// New constructs the ChunkStorage variant appropriate for fileSize: below
// memoryThreshold it returns a Buffered storage, otherwise a Streaming one
// bound to destinationPath. reorderBufferCap bounds a Streaming storage's
// out-of-order buffer; a value <= 0 falls back to DefaultReorderBufferCap.
// m records per-chunk decrypt outcomes; a nil m disables metrics.
func New(fileSize int64, destinationPath string, memoryThreshold int64, reorderBufferCap int, m *metrics.Metrics) (ChunkStorage, error) {
	if memoryThreshold <= 0 {
		memoryThreshold = DefaultMemoryThreshold
	}
	if fileSize < memoryThreshold {
		return newBuffered(destinationPath, m), nil
	}
	return newStreaming(destinationPath, reorderBufferCap, m)
}

// --- Buffered -------------------------------------------------------------

// Buffered accumulates encrypted chunks in memory, keyed by index, and
// only decrypts them at Finalize. Used for files under MemoryThreshold.
type Buffered struct {
	mu              sync.Mutex
	destinationPath string
	chunks          map[uint32][]byte
	aead            cipher.AEAD
	nonceBase       []byte
	metrics         *metrics.Metrics
}

func newBuffered(destinationPath string, m *metrics.Metrics) *Buffered {
	return &Buffered{
		destinationPath: destinationPath,
		chunks:          make(map[uint32][]byte),
		metrics:         m,
	}
}

func (b *Buffered) StoreChunk(index uint32, encrypted []byte, aead cipher.AEAD, nonceBase []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.chunks[index]; ok {
		return nil // idempotent retry
	}
	if b.aead == nil {
		b.aead = aead
		b.nonceBase = append([]byte(nil), nonceBase...)
	}
	buf := make([]byte, len(encrypted))
	copy(buf, encrypted)
	b.chunks[index] = buf
	return nil
}

func (b *Buffered) HasChunk(index uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chunks[index]
	return ok
}

func (b *Buffered) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *Buffered) Finalize(expectedTotalChunks uint32, expectedHash string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if uint32(len(b.chunks)) != expectedTotalChunks {
		return "", engine.New("storage.finalize", engine.KindIncompleteUpload,
			fmt.Errorf("have %d chunks, want %d", len(b.chunks), expectedTotalChunks))
	}

	if err := os.MkdirAll(filepath.Dir(b.destinationPath), 0o755); err != nil {
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}
	f, err := os.OpenFile(b.destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}
	guard := NewCleanupGuard(b.destinationPath)
	defer guard.Close()

	hasher := sha256.New()
	for i := uint32(0); i < expectedTotalChunks; i++ {
		encrypted, ok := b.chunks[i]
		if !ok {
			f.Close()
			return "", engine.New("storage.finalize", engine.KindIncompleteUpload,
				fmt.Errorf("missing chunk %d", i))
		}
		decryptStart := time.Now()
		plaintext, err := enginecrypto.DecryptChunk(b.aead, b.nonceBase, i, encrypted)
		recordDecrypt(b.metrics, decryptStart, len(plaintext), err)
		if err != nil {
			f.Close()
			return "", engine.New("storage.finalize", engine.KindAuthenticationFailure, err)
		}
		if _, err := f.Write(plaintext); err != nil {
			f.Close()
			return "", engine.New("storage.finalize", engine.KindIO, err)
		}
		hasher.Write(plaintext)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}
	if err := f.Close(); err != nil {
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedHash != "" && expectedHash != digest {
		return "", engine.New("storage.finalize", engine.KindHashMismatch,
			fmt.Errorf("computed %s, expected %s", digest, expectedHash))
	}
	guard.Disarm()
	return digest, nil
}

// --- Streaming -------------------------------------------------------------

// Streaming decrypts each chunk on arrival and appends it to an eagerly
// created destination file, maintaining a running SHA-256 over plaintext
// written strictly in index order. Chunks arriving out of order are held
// in a bounded in-memory reorder buffer until the gap at nextIndex closes.
type Streaming struct {
	mu        sync.Mutex
	file      *os.File
	guard     *CleanupGuard
	hasher    hasher
	nextIndex uint32
	received  map[uint32]struct{}
	pending   map[uint32][]byte // decrypted, out-of-order chunks awaiting nextIndex
	reorderCap int
	metrics    *metrics.Metrics
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func newStreaming(destinationPath string, reorderBufferCap int, m *metrics.Metrics) (*Streaming, error) {
	if reorderBufferCap <= 0 {
		reorderBufferCap = DefaultReorderBufferCap
	}
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return nil, engine.New("storage.new", engine.KindIO, err)
	}
	f, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, engine.New("storage.new", engine.KindIO, err)
	}
	return &Streaming{
		file:       f,
		guard:      NewCleanupGuard(destinationPath),
		hasher:     sha256.New(),
		received:   make(map[uint32]struct{}),
		pending:    make(map[uint32][]byte),
		reorderCap: reorderBufferCap,
		metrics:    m,
	}, nil
}

func (s *Streaming) HasChunk(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.received[index]
	return ok
}

func (s *Streaming) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// StoreChunk decrypts the incoming chunk and, if it is the next expected
// index, writes it straight through (and drains any pending chunks that
// now form a contiguous run); otherwise it holds the decrypted bytes in
// the reorder buffer until the gap closes.
func (s *Streaming) StoreChunk(index uint32, encrypted []byte, aead cipher.AEAD, nonceBase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.received[index]; ok {
		return nil // idempotent retry
	}

	decryptStart := time.Now()
	plaintext, err := enginecrypto.DecryptChunk(aead, nonceBase, index, encrypted)
	recordDecrypt(s.metrics, decryptStart, len(plaintext), err)
	if err != nil {
		s.guard.Close()
		return engine.New("storage.store_chunk", engine.KindAuthenticationFailure, err)
	}

	if index != s.nextIndex {
		if len(s.pending) >= s.reorderCap {
			return engine.New("storage.store_chunk", engine.KindInvalidRequest,
				fmt.Errorf("reorder buffer full (%d chunks); index %d too far ahead of %d", s.reorderCap, index, s.nextIndex))
		}
		buf := make([]byte, len(plaintext))
		copy(buf, plaintext)
		s.pending[index] = buf
		s.received[index] = struct{}{}
		return nil
	}

	if err := s.writeInOrder(plaintext); err != nil {
		return err
	}
	s.received[index] = struct{}{}
	s.nextIndex++

	for {
		buf, ok := s.pending[s.nextIndex]
		if !ok {
			break
		}
		if err := s.writeInOrder(buf); err != nil {
			return err
		}
		delete(s.pending, s.nextIndex)
		s.nextIndex++
	}
	return nil
}

func (s *Streaming) writeInOrder(plaintext []byte) error {
	if _, err := s.file.Write(plaintext); err != nil {
		s.guard.Close()
		return engine.New("storage.store_chunk", engine.KindIO, err)
	}
	s.hasher.Write(plaintext)
	return nil
}

func (s *Streaming) Finalize(expectedTotalChunks uint32, expectedHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.received)) != expectedTotalChunks {
		return "", engine.New("storage.finalize", engine.KindIncompleteUpload,
			fmt.Errorf("have %d chunks, want %d", len(s.received), expectedTotalChunks))
	}
	if len(s.pending) != 0 || s.nextIndex != expectedTotalChunks {
		return "", engine.New("storage.finalize", engine.KindIncompleteUpload,
			fmt.Errorf("gap remains before index %d", s.nextIndex))
	}

	if err := s.file.Sync(); err != nil {
		s.guard.Close()
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}
	if err := s.file.Close(); err != nil {
		s.guard.Close()
		return "", engine.New("storage.finalize", engine.KindIO, err)
	}

	digest := hex.EncodeToString(s.hasher.Sum(nil))
	if expectedHash != "" && expectedHash != digest {
		s.guard.Close()
		return "", engine.New("storage.finalize", engine.KindHashMismatch,
			fmt.Errorf("computed %s, expected %s", digest, expectedHash))
	}

	s.guard.Disarm()
	return digest, nil
}
