package broker

import (
	"fmt"
	"sort"
	"sync"
)

// slotPool is a resizable worker-slot semaphore with explicit ownership.
// Each worker acquires the slot named by its index and must release exactly
// that slot, which keeps the live count honest across growth, retirement and
// limit updates.
type slotPool struct {
	mu         sync.Mutex
	maxCap     int
	acquiredBy map[int]struct{}
}

func newSlotPool(max int) *slotPool {
	return &slotPool{
		maxCap:     max,
		acquiredBy: make(map[int]struct{}),
	}
}

// tryAcquire registers slot as taken if capacity is left.
// Acquiring a slot twice is a protocol violation.
func (s *slotPool) tryAcquire(slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[slot]; holds {
		panic(fmt.Sprintf("slotPool: slot %d already held", slot))
	}
	if len(s.acquiredBy) >= s.maxCap {
		return false
	}
	s.acquiredBy[slot] = struct{}{}
	return true
}

// release frees slot. Releasing a slot that is not held is an invariant
// violation.
func (s *slotPool) release(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[slot]; !holds {
		panic(fmt.Sprintf("slotPool: release of free slot %d", slot))
	}
	delete(s.acquiredBy, slot)
}

// listAcquired returns the held slots in ascending order.
func (s *slotPool) listAcquired() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.acquiredBy))
	for slot := range s.acquiredBy {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// updateLimit adjusts the capacity. Holders above the new limit keep their
// slot until they release it.
func (s *slotPool) updateLimit(newCap int) {
	if newCap < 0 {
		newCap = 0
	}
	s.mu.Lock()
	s.maxCap = newCap
	s.mu.Unlock()
}

func (s *slotPool) capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCap
}

// slotAllocator hands out worker indices, lowest free first, so a tier's
// workers stay numbered 0..n-1 across growth and retirement.
type slotAllocator struct {
	mu    sync.Mutex
	inUse map[int]struct{}
}

func newSlotAllocator() *slotAllocator {
	return &slotAllocator{inUse: make(map[int]struct{})}
}

func (a *slotAllocator) alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; ; i++ {
		if _, used := a.inUse[i]; !used {
			a.inUse[i] = struct{}{}
			return i
		}
	}
}

// release returns an index. Releasing a free index is a no-op.
func (a *slotAllocator) release(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, i)
}
