// Package history keeps the most recent compile events of every tier in
// memory for the HTTP API.
package history

import (
	"sync"

	"github.com/edirooss/compilebroker/internal/broker"
)

// Manager manages per-tier event rings.
//   - Creates rings lazily
//   - Thread-safe access
type Manager struct {
	capacity int

	mu    sync.RWMutex     // guards rings
	rings map[string]*ring // tier name → ring
}

// NewManager initialises an empty registry keeping capacity events per tier.
func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

func (m *Manager) get(tier string) *ring {
	m.mu.RLock()
	r, ok := m.rings[tier]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rings[tier]; ok {
		return r
	}
	r = newRing(m.capacity)
	m.rings[tier] = r
	return r
}

// Record implements broker.Sink.
func (m *Manager) Record(ev broker.CompileEvent) {
	m.get(ev.Tier).Append(ev)
}

// Recent returns up to n events of tier, newest first.
func (m *Manager) Recent(tier string, n int) []broker.CompileEvent {
	m.mu.RLock()
	r, ok := m.rings[tier]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Read(n)
}

// Count returns the number of buffered events of tier.
func (m *Manager) Count(tier string) int {
	m.mu.RLock()
	r, ok := m.rings[tier]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.Len()
}

var _ broker.Sink = (*Manager)(nil)
