// Package manifest builds a send-mode Manifest from a filesystem root: it
// walks the tree, computes forward-slash relative paths, records sizes,
// and generates one NonceBase per file via the Crypto Primitives' CSPRNG.
// It also watches the scan root for changes between manifest construction
// and the moment a file's chunks are actually requested, so the Send Path
// never serves bytes against a stale size or NonceBase.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	glob "github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	enginecrypto "github.com/MattFrayser/archdrop/internal/engine/crypto"
	"github.com/MattFrayser/archdrop/internal/engine/session"
)

// Build walks root and returns a dense-indexed Manifest of every regular
// file not matched by an exclude pattern. Patterns are matched against
// the forward-slash relative path using shell-glob semantics (`*.tmp`,
// `.git/*`), the way a directory-scanning CLI front-end would filter.
func Build(root string, excludePatterns []string) (session.Manifest, error) {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("manifest: root %s is not a directory", root)
	}

	var paths []string
	err = filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(rel, excludePatterns) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: walk %s: %w", root, err)
	}
	sort.Strings(paths)

	entries := make(session.Manifest, 0, len(paths))
	for i, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		nonceBase, err := enginecrypto.GenerateNonceBase()
		if err != nil {
			return nil, fmt.Errorf("manifest: generate nonce base for %s: %w", rel, err)
		}
		entries = append(entries, session.FileEntry{
			Index:        i,
			Name:         filepath.Base(path),
			RelativePath: rel,
			Size:         fi.Size(),
			NonceBase:    nonceBase,
			FullPath:     path,
		})
	}
	return entries, nil
}

func matchesAny(relPath string, patterns []string) bool {
	for _, p := range patterns {
		if glob.Glob(p, relPath) {
			return true
		}
		// Patterns without a '/' are also matched against each path
		// segment, so ".git" excludes nested paths like "a/.git/HEAD".
		// Patterns containing '/' (such as ".git/*") are matched against
		// the whole relative path only.
		if strings.Contains(p, "/") {
			continue
		}
		for _, seg := range strings.Split(relPath, "/") {
			if glob.Glob(p, seg) {
				return true
			}
		}
	}
	return false
}

// Watcher observes the scan root for modifications to files already
// captured in a Manifest, so the Send Path can refuse to serve stale
// bytes against a size/NonceBase that no longer matches what's on disk.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stale   map[string]struct{} // relative paths flagged modified/removed
	logger  *logrus.Logger
	done    chan struct{}
}

// NewWatcher starts watching root and every directory beneath it that
// appears in manifest, returning a Watcher the Send Path can query via
// IsStale before serving a chunk.
func NewWatcher(root string, m session.Manifest, logger *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}

	dirs := map[string]struct{}{root: {}}
	for _, entry := range m {
		dirs[filepath.Dir(entry.FullPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("manifest: watch %s: %w", dir, err)
		}
	}

	w := &Watcher{
		watcher: fsw,
		stale:   make(map[string]struct{}),
		logger:  logger,
		done:    make(chan struct{}),
	}

	relByFullPath := make(map[string]string, len(m))
	for _, entry := range m {
		relByFullPath[entry.FullPath] = entry.RelativePath
	}

	go w.run(relByFullPath)
	return w, nil
}

func (w *Watcher) run(relByFullPath map[string]string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, tracked := relByFullPath[event.Name]
			if !tracked {
				continue
			}
			w.mu.Lock()
			w.stale[rel] = struct{}{}
			w.mu.Unlock()
			if w.logger != nil {
				w.logger.WithFields(logrus.Fields{
					"relative_path": rel,
					"op":            event.Op.String(),
				}).Warn("manifest source file changed after scan; remaining chunks will fail")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.WithError(err).Warn("manifest watcher error")
			}
		case <-w.done:
			return
		}
	}
}

// IsStale reports whether relativePath has been modified or removed since
// the Manifest was built.
func (w *Watcher) IsStale(relativePath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.stale[relativePath]
	return ok
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
