package history

import (
	"sync"

	"github.com/edirooss/compilebroker/internal/broker"
)

// DefaultCapacity is the number of events kept per tier.
const DefaultCapacity = 500

// ring is a thread-safe circular buffer of compile events with O(1) append
// and O(N) read.
type ring struct {
	mu      sync.RWMutex // protects all fields
	entries []broker.CompileEvent
	head    int // next write position
	size    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ring{entries: make([]broker.CompileEvent, capacity)}
}

// Append adds an event, overwriting the oldest when full.
func (b *ring) Append(ev broker.CompileEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capN := len(b.entries)
	b.entries[b.head] = ev
	b.head = (b.head + 1) % capN
	if b.size < capN {
		b.size++
	}
}

// Read returns the last n events, newest first. n <= 0 or above capacity
// returns everything available. The result is a new slice.
func (b *ring) Read(n int) []broker.CompileEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	capN := len(b.entries)
	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > b.size {
		n = b.size
	}

	out := make([]broker.CompileEvent, n)
	newest := (b.head - 1 + capN) % capN
	for i := 0; i < n; i++ {
		out[i] = b.entries[(newest-i+capN)%capN]
	}
	return out
}

func (b *ring) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
