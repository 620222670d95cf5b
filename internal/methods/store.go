// Package methods is the in-memory method table the broker consults during
// admission. Reads never take a lock; mutations of the per-method flags are
// single atomic operations.
package methods

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
)

var ErrInvalidMethod = errors.New("invalid method")

// maxTiers bounds the not-compilable bitmask (two bits per tier).
const maxTiers = 16

// state is the mutable state of one method. It lives as long as the method
// stays registered, across re-registrations.
type state struct {
	info atomic.Pointer[broker.MethodInfo]

	queued        atomic.Uint32 // bit 0 standard entry, bit 1 OSR
	notCompilable atomic.Uint32 // bit tier*2+osr

	mu        sync.Mutex
	installed map[slot]*broker.Artifact
}

type slot struct {
	tier broker.Tier
	bci  int
}

func queuedBit(osr bool) uint32 {
	if osr {
		return 2
	}
	return 1
}

func notCompilableBit(tier broker.Tier, osr bool) uint32 {
	shift := uint32(tier) * 2
	if osr {
		shift++
	}
	return 1 << shift
}

// method is the table entry. An entry is inserted once per registration and
// never replaced in place; updates go through st.
type method struct {
	id string
	st *state
}

func (m method) GetKey() string { return m.id }

func (m method) ComputeSize() uint {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return uint(96 + len(m.id) + 48*len(m.st.installed))
}

// Store implements broker.MethodStore over a NonLockingReadMap.
type Store struct {
	log   *zap.Logger
	mu    sync.Mutex // serialises writers; readers never block
	table NonLockingReadMap.NonLockingReadMap[method, string]
}

func New(log *zap.Logger) *Store {
	return &Store{
		log:   log.Named("methods"),
		table: NonLockingReadMap.New[method, string](),
	}
}

// Register adds a method or updates its static info. Compilation state of an
// existing method is kept. It reports whether the method is new.
func (s *Store) Register(info broker.MethodInfo) (bool, error) {
	if info.ID == "" {
		return false, fmt.Errorf("%w: empty id", ErrInvalidMethod)
	}
	if info.CodeSize < 0 {
		return false, fmt.Errorf("%w: negative code size %d", ErrInvalidMethod, info.CodeSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	m := s.table.Get(string(info.ID))
	if m == nil {
		m = &method{id: string(info.ID), st: &state{installed: make(map[slot]*broker.Artifact)}}
		created = true
	}
	m.st.info.Store(&info)
	if created {
		s.table.Set(m)
	}

	s.log.Debug("method registered", zap.String("method", string(info.ID)), zap.Bool("created", created))
	return created, nil
}

// Unregister drops a method and returns its installed artifacts.
func (s *Store) Unregister(id broker.MethodID) []*broker.Artifact {
	s.mu.Lock()
	m := s.table.Remove(string(id))
	s.mu.Unlock()

	if m == nil {
		return nil
	}
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := make([]*broker.Artifact, 0, len(m.st.installed))
	for _, a := range m.st.installed {
		out = append(out, a)
	}
	return out
}

// List returns every registered method sorted by id.
func (s *Store) List() []broker.MethodInfo {
	all := s.table.GetAll()
	out := make([]broker.MethodInfo, 0, len(all))
	for _, m := range all {
		out = append(out, *m.st.info.Load())
	}
	return out
}

// Len returns the number of registered methods.
func (s *Store) Len() int { return len(s.table.GetAll()) }

// Footprint estimates the table's memory use in bytes.
func (s *Store) Footprint() uint { return s.table.ComputeSize() }

// Artifacts returns the installed artifacts of id, ordered by tier then bci.
func (s *Store) Artifacts(id broker.MethodID) []*broker.Artifact {
	st := s.state(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	out := make([]*broker.Artifact, 0, len(st.installed))
	for _, a := range st.installed {
		out = append(out, a)
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].BCI < out[j].BCI
	})
	return out
}

func (s *Store) state(id broker.MethodID) *state {
	if m := s.table.Get(string(id)); m != nil {
		return m.st
	}
	return nil
}

// -----------------------------------------------------------------------------
// broker.MethodStore
// -----------------------------------------------------------------------------

func (s *Store) Describe(id broker.MethodID) (broker.MethodInfo, bool) {
	if m := s.table.Get(string(id)); m != nil {
		return *m.st.info.Load(), true
	}
	return broker.MethodInfo{}, false
}

func (s *Store) Installed(id broker.MethodID, tier broker.Tier, bci int) (*broker.Artifact, bool) {
	st := s.state(id)
	if st == nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.installed[slot{tier, bci}]
	return a, ok
}

func (s *Store) Install(a *broker.Artifact) *broker.Artifact {
	st := s.state(a.Method)
	if st == nil {
		s.log.Warn("install for unknown method dropped", zap.String("method", string(a.Method)))
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	k := slot{a.Tier, a.BCI}
	old := st.installed[k]
	st.installed[k] = a
	return old
}

func (s *Store) Uninstall(id broker.MethodID, tier broker.Tier) []*broker.Artifact {
	st := s.state(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*broker.Artifact
	for k, a := range st.installed {
		if k.tier == tier {
			out = append(out, a)
			delete(st.installed, k)
		}
	}
	return out
}

func (s *Store) IsQueued(id broker.MethodID, osr bool) bool {
	st := s.state(id)
	return st != nil && st.queued.Load()&queuedBit(osr) != 0
}

func (s *Store) TryMarkQueued(id broker.MethodID, osr bool) bool {
	st := s.state(id)
	if st == nil {
		return false
	}
	bit := queuedBit(osr)
	for {
		cur := st.queued.Load()
		if cur&bit != 0 {
			return false
		}
		if st.queued.CompareAndSwap(cur, cur|bit) {
			return true
		}
	}
}

func (s *Store) ClearQueued(id broker.MethodID, osr bool) {
	if st := s.state(id); st != nil {
		st.queued.And(^queuedBit(osr))
	}
}

func (s *Store) IsNotCompilable(id broker.MethodID, tier broker.Tier, osr bool) bool {
	if tier >= maxTiers {
		return true
	}
	st := s.state(id)
	return st != nil && st.notCompilable.Load()&notCompilableBit(tier, osr) != 0
}

func (s *Store) SetNotCompilable(id broker.MethodID, tier broker.Tier, osr bool) {
	if tier >= maxTiers {
		return
	}
	if st := s.state(id); st != nil {
		st.notCompilable.Or(notCompilableBit(tier, osr))
	}
}

// ResetCompilable clears every not-compilable bit of id. The broker calls it
// when the method is redefined.
func (s *Store) ResetCompilable(id broker.MethodID) {
	if st := s.state(id); st != nil {
		st.notCompilable.Store(0)
	}
}

var _ broker.MethodStore = (*Store)(nil)
