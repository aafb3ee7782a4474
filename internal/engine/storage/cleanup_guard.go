package storage

import (
	"os"
	"sync"
)

// CleanupGuard deletes its tracked path when dropped while still armed.
// Construction always arms the guard; Disarm is the only way to prevent
// the cleanup, and must only be called after a destination file has both
// been flushed and had its hash verified.
type CleanupGuard struct {
	mu    sync.Mutex
	path  string
	armed bool
}

// NewCleanupGuard arms a guard over path.
func NewCleanupGuard(path string) *CleanupGuard {
	return &CleanupGuard{path: path, armed: true}
}

// Disarm switches the guard to a pass-through: Close will no longer
// remove the tracked path.
func (g *CleanupGuard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
}

// Armed reports whether the guard would still remove its path on Close.
func (g *CleanupGuard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// Close runs the guard's cleanup: if still armed, it synchronously
// removes the tracked path. Safe to call multiple times.
func (g *CleanupGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return nil
	}
	g.armed = false
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
