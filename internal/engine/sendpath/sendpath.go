// Package sendpath implements archdrop's Send Path: it serves the
// manifest and per-chunk GETs described in spec.md §4.4, backed by a
// bounded, concurrency-safe cache of open read-only file handles.
package sendpath

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MattFrayser/archdrop/internal/engine"
	"github.com/MattFrayser/archdrop/internal/engine/audit"
	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/progress"
	"github.com/MattFrayser/archdrop/internal/engine/session"
	"github.com/MattFrayser/archdrop/internal/metrics"
)

// chunkCryptoAlgorithm names the AEAD every chunk is encrypted/decrypted
// with, as logged by audit.Logger.LogChunkCrypto.
const chunkCryptoAlgorithm = "AES-256-GCM"

// DefaultHandleCacheSize bounds the number of concurrently open file
// handles the Send Path keeps around, protecting manifests with
// thousands of entries from exhausting file descriptors.
const DefaultHandleCacheSize = 256

// StaleChecker reports whether a file's source has changed since the
// manifest was built (internal/manifest's Watcher satisfies this).
type StaleChecker interface {
	IsStale(relativePath string) bool
}

// Path serves manifest and chunk requests for one send-mode Session.
type Path struct {
	session    *session.Session
	chunkSize  int64
	progress   *progress.Broadcaster
	logger     *logrus.Logger
	stale      StaleChecker
	totalBytes int64
	metrics    *metrics.Metrics
	audit      audit.Logger

	handles *handleCache
}

// New constructs a Send Path over s (which must be in SendMode).
// handleCacheSize bounds the number of concurrently open file handles; a
// value <= 0 falls back to DefaultHandleCacheSize. m records per-chunk
// encrypt outcomes; a nil m disables metrics. auditLogger, if non-nil,
// receives a LogChunkCrypto event for every chunk encrypted.
func New(s *session.Session, chunkSize int64, handleCacheSize int, m *metrics.Metrics, auditLogger audit.Logger, prog *progress.Broadcaster, logger *logrus.Logger, stale StaleChecker) *Path {
	if handleCacheSize <= 0 {
		handleCacheSize = DefaultHandleCacheSize
	}
	var total int64
	for _, e := range s.Manifest() {
		total += e.Size
	}
	return &Path{
		session:    s,
		chunkSize:  chunkSize,
		progress:   prog,
		logger:     logger,
		stale:      stale,
		totalBytes: total,
		metrics:    m,
		audit:      auditLogger,
		handles:    newHandleCache(handleCacheSize),
	}
}

// ManifestFile mirrors session.FileEntry but omits FullPath, matching the
// wire shape in spec.md §6.
type ManifestFile struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Nonce        string `json:"nonce"`
}

// Manifest returns the wire-shaped manifest. The first request for it (no
// prior claim) is treated as the session's claim attempt, per spec.md §4.3.
func (p *Path) Manifest(token string) ([]ManifestFile, error) {
	if !p.session.IsActive(token) {
		if !p.session.Claim(token) {
			return nil, engine.New("sendpath.manifest", engine.KindAuthFailure, nil)
		}
	}

	entries := p.session.Manifest()
	out := make([]ManifestFile, len(entries))
	for i, e := range entries {
		out[i] = ManifestFile{
			Index:        e.Index,
			Name:         e.Name,
			RelativePath: e.RelativePath,
			Size:         e.Size,
			Nonce:        enginecrypto.EncodeNonceBase(e.NonceBase),
		}
	}
	return out, nil
}

// Chunk returns the encrypted bytes (ciphertext||tag) for one chunk. The
// very first chunk of the very first file (fileIndex==0, chunkIndex==0)
// is the session's claim attempt if not already claimed.
func (p *Path) Chunk(token string, fileIndex int, chunkIndex uint32) ([]byte, error) {
	isFirstChunkOfFirstFile := fileIndex == 0 && chunkIndex == 0
	if isFirstChunkOfFirstFile && !p.session.IsActive(token) {
		if !p.session.Claim(token) {
			return nil, engine.New("sendpath.chunk", engine.KindAuthFailure, nil)
		}
	} else if !p.session.IsActive(token) {
		return nil, engine.New("sendpath.chunk", engine.KindAuthFailure, nil)
	}

	entries := p.session.Manifest()
	if fileIndex < 0 || fileIndex >= len(entries) {
		return nil, engine.New("sendpath.chunk", engine.KindNotFound, fmt.Errorf("file index %d out of range", fileIndex))
	}
	entry := entries[fileIndex]

	if p.stale != nil && p.stale.IsStale(entry.RelativePath) {
		return nil, engine.New("sendpath.chunk", engine.KindIO, fmt.Errorf("source file %s changed after manifest scan", entry.RelativePath))
	}

	start := int64(chunkIndex) * p.chunkSize
	if start >= entry.Size {
		return nil, engine.New("sendpath.chunk", engine.KindNotFound, fmt.Errorf("chunk %d out of range for file %d (size %d)", chunkIndex, fileIndex, entry.Size))
	}
	end := start + p.chunkSize
	if end > entry.Size {
		end = entry.Size
	}

	handle, err := p.handles.acquire(fileIndex, entry.FullPath)
	if err != nil {
		return nil, engine.New("sendpath.chunk", engine.KindIO, err)
	}

	plaintext := make([]byte, end-start)
	if _, err := handle.ReadAt(plaintext, start); err != nil {
		return nil, engine.New("sendpath.chunk", engine.KindIO, err)
	}

	if end >= entry.Size {
		p.handles.release(fileIndex)
	}

	encryptStart := time.Now()
	ciphertext, err := enginecrypto.EncryptChunk(p.session.Cipher(), entry.NonceBase, chunkIndex, plaintext)
	encryptDuration := time.Since(encryptStart)
	if p.metrics != nil {
		if err != nil {
			p.metrics.RecordEncryptionError(context.Background(), "encrypt", "internal")
		} else {
			p.metrics.RecordEncryptionOperation(context.Background(), "encrypt", encryptDuration, int64(len(plaintext)))
		}
	}
	if p.audit != nil {
		p.audit.LogChunkCrypto(audit.EventTypeEncrypt, token, entry.RelativePath, fileIndex, int64(chunkIndex),
			chunkCryptoAlgorithm, err == nil, err, encryptDuration, nil)
	}
	if err != nil {
		return nil, engine.New("sendpath.chunk", engine.KindInternal, err)
	}

	if p.progress != nil && p.totalBytes > 0 {
		// Approximate: report cumulative plaintext bytes served so far via
		// the chunk's end offset within its file, summed with prior files'
		// full sizes. Good enough for the observer's progress bar.
		var served int64
		for i := 0; i < fileIndex; i++ {
			served += entries[i].Size
		}
		served += end
		p.progress.AddBytes(served, p.totalBytes)
	}

	return ciphertext, nil
}

// Complete requires an active session, marks the transfer complete, and
// drives progress to 100%.
func (p *Path) Complete(token string) error {
	if !p.session.IsActive(token) {
		return engine.New("sendpath.complete", engine.KindAuthFailure, nil)
	}
	p.session.Complete()
	if p.progress != nil {
		p.progress.Set(100.0)
	}
	p.handles.closeAll()
	return nil
}

// --- handle cache ----------------------------------------------------------

// handleCache is a bounded, concurrency-safe map from file index to an
// open read-only *os.File. Positional reads (ReadAt) make the handle
// safely sharable across concurrent chunk requests without seeking.
// Eviction is LRU over the size bound; opening a file never panics the
// caller, its error is always propagated.
type handleCache struct {
	mu       sync.Mutex
	cap      int
	handles  map[int]*os.File
	lruOrder []int // most-recently-used at the end
}

func newHandleCache(capacity int) *handleCache {
	return &handleCache{
		cap:     capacity,
		handles: make(map[int]*os.File),
	}
}

func (c *handleCache) acquire(fileIndex int, fullPath string) (*os.File, error) {
	c.mu.Lock()
	if f, ok := c.handles[fileIndex]; ok {
		c.touch(fileIndex)
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fullPath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.handles[fileIndex]; ok {
		// Lost the race to open; close our duplicate and reuse theirs.
		f.Close()
		c.touch(fileIndex)
		return existing, nil
	}
	if len(c.handles) >= c.cap {
		c.evictLocked()
	}
	c.handles[fileIndex] = f
	c.lruOrder = append(c.lruOrder, fileIndex)
	return f, nil
}

func (c *handleCache) release(fileIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.handles[fileIndex]; ok {
		f.Close()
		delete(c.handles, fileIndex)
		c.removeFromOrderLocked(fileIndex)
	}
}

func (c *handleCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.handles {
		f.Close()
	}
	c.handles = make(map[int]*os.File)
	c.lruOrder = nil
}

// touch and evictLocked/removeFromOrderLocked must be called with c.mu held.
func (c *handleCache) touch(fileIndex int) {
	c.removeFromOrderLocked(fileIndex)
	c.lruOrder = append(c.lruOrder, fileIndex)
}

func (c *handleCache) removeFromOrderLocked(fileIndex int) {
	for i, idx := range c.lruOrder {
		if idx == fileIndex {
			c.lruOrder = append(c.lruOrder[:i], c.lruOrder[i+1:]...)
			break
		}
	}
}

func (c *handleCache) evictLocked() {
	if len(c.lruOrder) == 0 {
		return
	}
	oldest := c.lruOrder[0]
	c.lruOrder = c.lruOrder[1:]
	if f, ok := c.handles[oldest]; ok {
		f.Close()
		delete(c.handles, oldest)
	}
}
