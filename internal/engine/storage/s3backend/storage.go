package s3

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/MattFrayser/archdrop/internal/engine"
	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/storage"
	"github.com/MattFrayser/archdrop/internal/metrics"
)

// Storage is a Chunk Storage backend that finalizes a file directly into
// an S3-compatible bucket instead of local disk. It satisfies the same
// storage.ChunkStorage interface the local filesystem backend does, so the
// Receive Path can target either without any other code changing. Chunks
// are buffered encrypted in memory, the same tradeoff the local Buffered
// variant makes, since an object store has no equivalent of writing
// straight through to an open file handle.
type Storage struct {
	mu        sync.Mutex
	client    Client
	bucket    string
	objectKey string
	chunks    map[uint32][]byte
	aead      cipher.AEAD
	nonceBase []byte
	metrics   *metrics.Metrics
}

// NewStorageFactory returns a storage.ChunkStorage factory bound to
// client/bucket/prefix, in the shape receivepath.StorageFactory expects:
// archdrop-receive wires this in for --s3-bucket instead of the default
// local-filesystem factory. m records per-chunk decrypt and PutObject
// outcomes; a nil m disables metrics.
func NewStorageFactory(client Client, bucket, prefix string, m *metrics.Metrics) func(fileSize int64, relativePath string, memoryThreshold int64) (storage.ChunkStorage, error) {
	return func(fileSize int64, relativePath string, memoryThreshold int64) (storage.ChunkStorage, error) {
		key := relativePath
		if prefix != "" {
			key = path.Join(prefix, relativePath)
		}
		return &Storage{
			client:    client,
			bucket:    bucket,
			objectKey: key,
			chunks:    make(map[uint32][]byte),
			metrics:   m,
		}, nil
	}
}

func (s *Storage) StoreChunk(index uint32, encrypted []byte, aead cipher.AEAD, nonceBase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[index]; ok {
		return nil // idempotent retry
	}
	if s.aead == nil {
		s.aead = aead
		s.nonceBase = append([]byte(nil), nonceBase...)
	}
	buf := make([]byte, len(encrypted))
	copy(buf, encrypted)
	s.chunks[index] = buf
	return nil
}

func (s *Storage) HasChunk(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[index]
	return ok
}

func (s *Storage) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Finalize decrypts every chunk in order, verifies the hash, and uploads
// the assembled plaintext as a single object keyed by the file's relative
// path (joined under the configured prefix).
func (s *Storage) Finalize(expectedTotalChunks uint32, expectedHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint32(len(s.chunks)) != expectedTotalChunks {
		return "", engine.New("s3backend.finalize", engine.KindIncompleteUpload,
			fmt.Errorf("have %d chunks, want %d", len(s.chunks), expectedTotalChunks))
	}

	hasher := sha256.New()
	var plaintext bytes.Buffer
	for i := uint32(0); i < expectedTotalChunks; i++ {
		encChunk, ok := s.chunks[i]
		if !ok {
			return "", engine.New("s3backend.finalize", engine.KindIncompleteUpload,
				fmt.Errorf("missing chunk %d", i))
		}
		decryptStart := time.Now()
		pt, err := enginecrypto.DecryptChunk(s.aead, s.nonceBase, i, encChunk)
		if s.metrics != nil {
			if err != nil {
				s.metrics.RecordEncryptionError(context.Background(), "decrypt", "authentication_failure")
			} else {
				s.metrics.RecordEncryptionOperation(context.Background(), "decrypt", time.Since(decryptStart), int64(len(pt)))
			}
		}
		if err != nil {
			return "", engine.New("s3backend.finalize", engine.KindAuthenticationFailure, err)
		}
		hasher.Write(pt)
		plaintext.Write(pt)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedHash != "" && expectedHash != digest {
		return "", engine.New("s3backend.finalize", engine.KindHashMismatch,
			fmt.Errorf("computed %s, expected %s", digest, expectedHash))
	}

	putStart := time.Now()
	err := s.client.PutObject(context.Background(), s.bucket, s.objectKey, bytes.NewReader(plaintext.Bytes()),
		map[string]string{"x-amz-meta-archdrop-sha256": digest})
	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordS3Error(context.Background(), "put_object", s.bucket, "io_error")
		} else {
			s.metrics.RecordS3Operation(context.Background(), "put_object", s.bucket, time.Since(putStart))
		}
	}
	if err != nil {
		return "", engine.New("s3backend.finalize", engine.KindIO, err)
	}

	return digest, nil
}
