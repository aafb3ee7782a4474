// Package progress implements the single-slot progress broadcaster that
// the Transport Surface updates as chunks are served or received, and
// that the operator front-end observes. It holds the latest transfer
// percentage in [0.0, 100.0], monotone non-decreasing across successful
// operations, and fans that value out to any number of subscribers.
package progress

import "sync"

// Broadcaster is a mutex-guarded latest-value publish/subscribe slot, in
// the teacher's style of simple in-process primitives with no external
// broker. Observers that fall behind simply see the latest value; missed
// intermediate values are acceptable per spec.md's §4.6.
type Broadcaster struct {
	mu          sync.Mutex
	value       float64
	subscribers map[chan float64]struct{}
}

// New returns a Broadcaster initialized at 0.0.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan float64]struct{}),
	}
}

// Set publishes a new value to every subscriber. Values below the current
// value are ignored: the broadcaster is monotone non-decreasing across
// successful operations, and a failed chunk must not be able to regress it.
func (b *Broadcaster) Set(value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value < b.value {
		return
	}
	if value > 100.0 {
		value = 100.0
	}
	b.value = value
	for ch := range b.subscribers {
		select {
		case ch <- value:
		default:
			// Slow subscriber; it will catch up on the next Set or on Value().
		}
	}
}

// Value returns the latest published percentage.
func (b *Broadcaster) Value() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Subscribe registers a new observer channel and returns it along with an
// unsubscribe function. The channel is buffered by one so a Set never
// blocks on a slow reader.
func (b *Broadcaster) Subscribe() (<-chan float64, func()) {
	ch := make(chan float64, 1)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	current := b.value
	b.mu.Unlock()

	// Prime the new subscriber with the current value.
	select {
	case ch <- current:
	default:
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// AddBytes is a convenience for chunk handlers: given bytes transferred so
// far and a total, it publishes the corresponding percentage (capped at
// 100.0). When total is 0 or negative it publishes nothing.
func (b *Broadcaster) AddBytes(transferred, total int64) {
	if total <= 0 {
		return
	}
	pct := float64(transferred) / float64(total) * 100.0
	b.Set(pct)
}
