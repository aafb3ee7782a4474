package crypto

import (
	"sync"
	"sync/atomic"
)

// BufferPool pools the 12-byte GCM nonce buffers every chunk encrypt/decrypt
// call needs, so the hot per-chunk path doesn't allocate a fresh slice for
// a value that only lives as long as the Seal/Open call. Buffers are
// zeroized before returning to the pool to prevent nonce data lingering in
// a reused allocation.
type BufferPool struct {
	pool12 *sync.Pool // 12-byte buffers (GCM nonces)

	hits12, misses12 int64
}

// Global buffer pool instance
var globalBufferPool = &BufferPool{
	pool12: &sync.Pool{
		New: func() interface{} { return make([]byte, 12) },
	},
}

// GetGlobalBufferPool returns the global buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// Get12 returns a 12-byte buffer from the pool.
func (p *BufferPool) Get12() []byte {
	if buf := p.pool12.Get(); buf != nil {
		atomic.AddInt64(&p.hits12, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses12, 1)
	return make([]byte, 12)
}

// Put12 returns a 12-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put12(buf []byte) {
	if cap(buf) != 12 {
		return // Don't pool incorrectly sized buffers
	}
	// Zeroize buffer to prevent data leakage
	for i := range buf {
		buf[i] = 0
	}
	p.pool12.Put(buf)
}

// GetMetrics returns current pool metrics.
func (p *BufferPool) GetMetrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		Hits12:   atomic.LoadInt64(&p.hits12),
		Misses12: atomic.LoadInt64(&p.misses12),
	}
}

// BufferPoolMetrics contains pool performance metrics.
type BufferPoolMetrics struct {
	Hits12, Misses12 int64
}

// HitRate12 returns the hit rate for 12-byte buffers.
func (m BufferPoolMetrics) HitRate12() float64 {
	total := m.Hits12 + m.Misses12
	if total == 0 {
		return 0
	}
	return float64(m.Hits12) / float64(total)
}

// Reset resets all metrics counters to zero.
func (p *BufferPool) Reset() {
	atomic.StoreInt64(&p.hits12, 0)
	atomic.StoreInt64(&p.misses12, 0)
}
