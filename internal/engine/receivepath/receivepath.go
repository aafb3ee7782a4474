// Package receivepath implements archdrop's Receive Path: routing
// uploaded encrypted chunks to a per-file Chunk Storage keyed by FileId,
// and finalizing with path-containment checks and hash verification, per
// spec.md §4.5.
package receivepath

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MattFrayser/archdrop/internal/engine"
	"github.com/MattFrayser/archdrop/internal/engine/audit"
	"github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/progress"
	"github.com/MattFrayser/archdrop/internal/engine/session"
	"github.com/MattFrayser/archdrop/internal/engine/storage"
	"github.com/MattFrayser/archdrop/internal/metrics"
)

// chunkCryptoAlgorithm names the AEAD every chunk is encrypted/decrypted
// with, as logged by audit.Logger.LogChunkCrypto.
const chunkCryptoAlgorithm = "AES-256-GCM"

// ChunkUpload is the decoded multipart record the Transport Surface hands
// to StoreChunk, mirroring the field list in spec.md §6.
type ChunkUpload struct {
	Chunk        []byte
	RelativePath string
	FileName     string
	ChunkIndex   uint32
	TotalChunks  uint32
	FileSize     int64
	NonceBase    string // base64url, present only on a file's first chunk
}

// ChunkResult is returned from StoreChunk.
type ChunkResult struct {
	Success   bool
	ChunkIdx  uint32
	Received  int
	Total     uint32
	Duplicate bool
}

// FinalizeResult is returned from Finalize.
type FinalizeResult struct {
	Path   string
	Size   int64
	SHA256 string
}

// uploadSession is the per-file receive-side state, matching spec.md §3's
// UploadSession.
type uploadSession struct {
	storage      storage.ChunkStorage
	totalChunks  uint32
	nonceBase    []byte
	relativePath string
	fileSize     int64
}

// StorageFactory constructs the Chunk Storage that will receive a single
// file's chunks. The default (local filesystem) and the S3-compatible
// backend in internal/engine/storage/s3backend both satisfy this shape, so
// a Receive Path can be pointed at either without any other code changing.
type StorageFactory func(fileSize int64, relativePath string, memoryThreshold int64) (storage.ChunkStorage, error)

// Path serves chunk-upload and finalize requests for one receive-mode
// Session. The UploadSession map is guarded by a single map-level lock,
// acceptable per spec.md §4.5 given chunk rates bounded by the network.
type Path struct {
	session          *session.Session
	chunkSize        int64
	memoryThreshold  int64
	reorderBufferCap int
	progress         *progress.Broadcaster
	logger           *logrus.Logger
	storageFactory   StorageFactory
	audit            audit.Logger

	mu      sync.Mutex
	uploads map[string]*uploadSession // keyed by FileId
	byPath  map[string]string         // relativePath -> FileId; FileId derives from the path, so a repeated path resolves to the same upload
}

// New constructs a Receive Path over s (which must be in ReceiveMode),
// writing finalized files under s.Destination() on local disk.
// reorderBufferCap bounds each Streaming storage's out-of-order buffer; a
// value <= 0 falls back to storage.DefaultReorderBufferCap. m records
// per-chunk decrypt outcomes; a nil m disables metrics. auditLogger, if
// non-nil, receives a LogChunkCrypto event for every non-duplicate chunk
// it attempts to store, whether the store succeeds or fails.
func New(s *session.Session, chunkSize, memoryThreshold int64, reorderBufferCap int, m *metrics.Metrics, auditLogger audit.Logger, prog *progress.Broadcaster, logger *logrus.Logger) *Path {
	p := NewWithStorage(s, chunkSize, memoryThreshold, reorderBufferCap, prog, logger, localStorageFactory(s.Destination(), reorderBufferCap, m))
	p.audit = auditLogger
	return p
}

// NewWithStorage constructs a Receive Path using factory to build each
// file's Chunk Storage, e.g. s3backend.NewStorageFactory to mirror
// finalized files into an S3-compatible bucket instead of local disk.
func NewWithStorage(s *session.Session, chunkSize, memoryThreshold int64, reorderBufferCap int, prog *progress.Broadcaster, logger *logrus.Logger, factory StorageFactory) *Path {
	return &Path{
		session:          s,
		chunkSize:        chunkSize,
		memoryThreshold:  memoryThreshold,
		reorderBufferCap: reorderBufferCap,
		progress:         prog,
		logger:           logger,
		storageFactory:   factory,
		uploads:          make(map[string]*uploadSession),
		byPath:           make(map[string]string),
	}
}

// SetAuditLogger attaches an audit trail to an already-constructed Path,
// e.g. one built via NewWithStorage for an S3-backed session.
func (p *Path) SetAuditLogger(a audit.Logger) { p.audit = a }

// localStorageFactory adapts storage.New (filesystem-path based) to the
// StorageFactory shape, which speaks relative paths.
func localStorageFactory(destinationRoot string, reorderBufferCap int, m *metrics.Metrics) StorageFactory {
	return func(fileSize int64, relativePath string, memoryThreshold int64) (storage.ChunkStorage, error) {
		destPath := filepath.Join(destinationRoot, filepath.FromSlash(relativePath))
		return storage.New(fileSize, destPath, memoryThreshold, reorderBufferCap, m)
	}
}

// FileID is the stable SHA-256 of the UTF-8 relative path (spec.md §3).
func FileID(relativePath string) string {
	sum := sha256.Sum256([]byte(relativePath))
	return hex.EncodeToString(sum[:])
}

func validateRelativePath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("relative path is empty")
	}
	if strings.ContainsRune(relPath, 0) {
		return fmt.Errorf("relative path contains a NUL byte")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") {
		return fmt.Errorf("relative path %q must not be absolute", relPath)
	}
	for _, seg := range strings.Split(filepath.ToSlash(relPath), "/") {
		if seg == ".." {
			return fmt.Errorf("relative path %q must not contain '..'", relPath)
		}
	}
	return nil
}

// StoreChunk accepts one uploaded chunk. If this is the first chunk for
// the session it performs the atomic claim; every subsequent chunk
// requires the session already be active.
func (p *Path) StoreChunk(token string, upload ChunkUpload) (*ChunkResult, error) {
	if !p.session.IsActive(token) {
		if !p.session.Claim(token) {
			return nil, engine.New("receivepath.chunk", engine.KindAuthFailure, nil)
		}
	}

	if err := validateRelativePath(upload.RelativePath); err != nil {
		return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest, err)
	}
	if upload.ChunkIndex >= upload.TotalChunks {
		return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest,
			fmt.Errorf("chunk_index %d >= total_chunks %d", upload.ChunkIndex, upload.TotalChunks))
	}
	wantTotal := expectedChunkCount(upload.FileSize, p.chunkSize)
	if upload.TotalChunks != wantTotal {
		return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest,
			fmt.Errorf("total_chunks %d inconsistent with file_size %d at chunk_size %d (want %d)",
				upload.TotalChunks, upload.FileSize, p.chunkSize, wantTotal))
	}

	fileID := FileID(upload.RelativePath)

	p.mu.Lock()
	up, ok := p.uploads[fileID]
	if !ok {
		if existingID, pathTaken := p.byPath[upload.RelativePath]; pathTaken && existingID != fileID {
			p.mu.Unlock()
			return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest,
				fmt.Errorf("relative path %q already claimed by a concurrent upload", upload.RelativePath))
		}
		if upload.NonceBase == "" {
			p.mu.Unlock()
			return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest,
				fmt.Errorf("nonce base required on first chunk of %q", upload.RelativePath))
		}
		nonceBase, err := crypto.DecodeNonceBase(upload.NonceBase)
		if err != nil {
			p.mu.Unlock()
			return nil, engine.New("receivepath.chunk", engine.KindInvalidRequest, err)
		}
		newStorage, err := p.storageFactory(upload.FileSize, upload.RelativePath, p.memoryThreshold)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		up = &uploadSession{
			storage:      newStorage,
			totalChunks:  upload.TotalChunks,
			nonceBase:    nonceBase,
			relativePath: upload.RelativePath,
			fileSize:     upload.FileSize,
		}
		p.uploads[fileID] = up
		p.byPath[upload.RelativePath] = fileID
	}
	p.mu.Unlock()

	duplicate := up.storage.HasChunk(upload.ChunkIndex)
	storeStart := time.Now()
	err := up.storage.StoreChunk(upload.ChunkIndex, upload.Chunk, p.session.Cipher(), up.nonceBase)
	if p.audit != nil && !duplicate {
		p.audit.LogChunkCrypto(audit.EventTypeDecrypt, token, upload.RelativePath, 0, int64(upload.ChunkIndex),
			chunkCryptoAlgorithm, err == nil, err, time.Since(storeStart), nil)
	}
	if err != nil {
		return nil, err
	}

	if p.progress != nil {
		received := int64(up.storage.ChunkCount()) * p.chunkSize
		if received > up.fileSize {
			received = up.fileSize
		}
		p.progress.AddBytes(received, up.fileSize)
	}

	return &ChunkResult{
		Success:   true,
		ChunkIdx:  upload.ChunkIndex,
		Received:  up.storage.ChunkCount(),
		Total:     up.totalChunks,
		Duplicate: duplicate,
	}, nil
}

func expectedChunkCount(fileSize, chunkSize int64) uint32 {
	if fileSize <= 0 {
		return 0
	}
	return uint32((fileSize + chunkSize - 1) / chunkSize)
}

// Finalize verifies path containment, removes the UploadSession from the
// map, and finalizes its storage into a verified destination file.
func (p *Path) Finalize(token, relativePath string) (*FinalizeResult, error) {
	if !p.session.IsActive(token) {
		return nil, engine.New("receivepath.finalize", engine.KindAuthFailure, nil)
	}
	if relativePath == "" {
		return nil, engine.New("receivepath.finalize", engine.KindInvalidRequest, fmt.Errorf("relative_path is required"))
	}

	fileID := FileID(relativePath)

	p.mu.Lock()
	up, ok := p.uploads[fileID]
	if ok {
		delete(p.uploads, fileID)
		delete(p.byPath, relativePath)
	}
	p.mu.Unlock()
	if !ok {
		return nil, engine.New("receivepath.finalize", engine.KindNotFound,
			fmt.Errorf("no upload in progress for %q", relativePath))
	}

	destBase, err := filepath.Abs(p.session.Destination())
	if err != nil {
		return nil, engine.New("receivepath.finalize", engine.KindIO, err)
	}
	destPath, err := filepath.Abs(filepath.Join(p.session.Destination(), filepath.FromSlash(relativePath)))
	if err != nil {
		return nil, engine.New("receivepath.finalize", engine.KindIO, err)
	}
	if !isWithinBase(destBase, destPath) {
		return nil, engine.New("receivepath.finalize", engine.KindPathTraversal,
			fmt.Errorf("relative path %q escapes destination base", relativePath))
	}

	digest, err := up.storage.Finalize(up.totalChunks, "")
	if err != nil {
		return nil, err
	}

	return &FinalizeResult{
		Path:   destPath,
		Size:   up.fileSize,
		SHA256: digest,
	}, nil
}

// isWithinBase reports whether target is base itself or a descendant of
// it, both already cleaned/absolute paths.
func isWithinBase(base, target string) bool {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if base == target {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(target, base+sep)
}

// Complete requires an active session and marks the transfer complete.
// It does not finalize any outstanding uploads: per spec.md's §9 open
// question, finalize and complete are kept independent so a multi-file
// session can finalize several files before ending.
func (p *Path) Complete(token string) error {
	if !p.session.IsActive(token) {
		return engine.New("receivepath.complete", engine.KindAuthFailure, nil)
	}
	p.session.Complete()
	if p.progress != nil {
		p.progress.Set(100.0)
	}
	return nil
}
