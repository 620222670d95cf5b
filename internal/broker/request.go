package broker

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Request.
type State int32

const (
	StateQueued State = iota
	StateSelected
	StateCompiling
	StateComplete
	StateFailed
	StateStale
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSelected:
		return "selected"
	case StateCompiling:
		return "compiling"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateStale
}

// Reason records what triggered a request.
type Reason uint8

const (
	ReasonThreshold Reason = iota
	ReasonBackedge
	ReasonForced
	ReasonRecompile
	ReasonMustBeCompiled
)

var reasonNames = [...]string{
	ReasonThreshold:      "threshold",
	ReasonBackedge:       "backedge",
	ReasonForced:         "forced",
	ReasonRecompile:      "recompile",
	ReasonMustBeCompiled: "must_be_compiled",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// ParseReason is the inverse of Reason.String.
func ParseReason(s string) (Reason, error) {
	for i, n := range reasonNames {
		if n == s {
			return Reason(i), nil
		}
	}
	return 0, fmt.Errorf("unknown reason %q", s)
}

// Key identifies a compilation target. It is not unique across time: a
// method may be re-requested after a previous attempt finished.
type Key struct {
	Method MethodID
	OSR    bool
	BCI    int
	Tier   Tier
}

func (k Key) String() string {
	if k.OSR {
		return fmt.Sprintf("%s@%d[%s]", k.Method, k.BCI, k.Tier)
	}
	return fmt.Sprintf("%s[%s]", k.Method, k.Tier)
}

// waiter is the single blocking caller registered on a request.
type waiter struct {
	done      chan struct{}
	abandoned bool
}

// Request is one compile attempt. The descriptor fields are immutable once
// the request is queued; lifecycle fields are guarded by mu.
//
// Ownership: exactly one of {registered waiter, worker, FreeAll, stale drain}
// frees a request. Requests are recycled, so any reference kept beyond the
// owner's lifetime must be a Handle.
type Request struct {
	id       uint64
	key      Key
	hotCount int
	reason   Reason
	blocking bool
	native   bool
	queuedAt time.Time

	// bumped on every allocation; see Handle
	gen atomic.Uint32
	// bumped on every state change and safe-point poll; read by liveness polling
	progress atomic.Uint64

	// queue membership, guarded by the owning queue's lock
	elem *list.Element

	mu          sync.Mutex
	state       State
	artifact    *Artifact
	err         error
	waiter      *waiter
	invalidated bool
	freed       bool
}

func (r *Request) ID() uint64     { return r.id }
func (r *Request) Key() Key       { return r.key }
func (r *Request) HotCount() int  { return r.hotCount }
func (r *Request) Reason() Reason { return r.reason }
func (r *Request) Blocking() bool { return r.blocking }
func (r *Request) Native() bool   { return r.native }

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Invalidated reports whether the request became moot while in flight.
func (r *Request) Invalidated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidated
}

// Handle returns a generation-checked reference to r.
func (r *Request) Handle() Handle {
	return Handle{r: r, gen: r.gen.Load()}
}

// RegisterWaiter registers the single blocking caller. A second registration
// is a programming error and returns ErrWaiterRegistered.
func (r *Request) RegisterWaiter() (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waiter != nil {
		return nil, fmt.Errorf("request %d: %w", r.id, ErrWaiterRegistered)
	}
	if r.state.Terminal() {
		return nil, fmt.Errorf("request %d already %s", r.id, r.state)
	}
	r.waiter = &waiter{done: make(chan struct{})}
	return r.waiter.done, nil
}

// Result returns the terminal outcome. Valid only after the waiter's channel
// is closed.
func (r *Request) Result() (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact, r.err
}

func (r *Request) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.progress.Add(1)
}

// startCompiling performs Selected→Compiling unless the request was
// invalidated after it was dequeued.
func (r *Request) startCompiling() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalidated {
		return false
	}
	r.state = StateCompiling
	r.progress.Add(1)
	return true
}

// finish records the terminal outcome and wakes the waiter. It reports
// whether the caller is responsible for freeing r, which is the case unless
// a live waiter is registered.
func (r *Request) finish(s State, a *Artifact, err error) (owned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		panic(fmt.Sprintf("request %d: finish in terminal state %s", r.id, r.state))
	}
	r.state = s
	r.artifact = a
	r.err = err
	r.progress.Add(1)

	if r.waiter == nil {
		return true
	}
	close(r.waiter.done)
	return r.waiter.abandoned
}

// abandon detaches the waiter. It reports whether the request had already
// finished, in which case the waiter still owns it.
func (r *Request) abandon() (finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return true
	}
	r.waiter.abandoned = true
	return false
}

// RequestInfo is a copy of a request's observable fields for reporting.
type RequestInfo struct {
	ID       uint64        `json:"id"`
	Method   MethodID      `json:"method"`
	Tier     string        `json:"tier"`
	OSR      bool          `json:"osr"`
	BCI      int           `json:"bci"`
	HotCount int           `json:"hot_count"`
	Reason   string        `json:"reason"`
	State    string        `json:"state"`
	Blocking bool          `json:"blocking"`
	Age      time.Duration `json:"age"`
}

func (r *Request) info(now time.Time) RequestInfo {
	return RequestInfo{
		ID:       r.id,
		Method:   r.key.Method,
		Tier:     r.key.Tier.String(),
		OSR:      r.key.OSR,
		BCI:      r.key.BCI,
		HotCount: r.hotCount,
		Reason:   r.reason.String(),
		State:    r.State().String(),
		Blocking: r.blocking,
		Age:      now.Sub(r.queuedAt),
	}
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Handle is a generation-checked reference to a Request. Once the request is
// freed and recycled, operations through an old handle become no-ops.
type Handle struct {
	r   *Request
	gen uint32
}

// Valid reports whether h still refers to the allocation it was taken from.
func (h Handle) Valid() bool {
	if h.r == nil {
		return false
	}
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.live()
}

func (h Handle) live() bool {
	return h.r.gen.Load() == h.gen && !h.r.freed
}

// invalidate marks the referenced request moot if it is still live and
// targets m.
func (h Handle) invalidate(m MethodID) bool {
	if h.r == nil {
		return false
	}
	h.r.mu.Lock()
	defer h.r.mu.Unlock()

	if !h.live() || h.r.key.Method != m || h.r.state.Terminal() {
		return false
	}
	h.r.invalidated = true
	h.r.progress.Add(1)
	return true
}

// -----------------------------------------------------------------------------
// allocator
// -----------------------------------------------------------------------------

// allocator recycles requests through a bounded free list and accounts for
// every allocation and free. Releasing a request twice panics.
type allocator struct {
	mu      sync.Mutex
	free    []*Request
	maxFree int

	allocated atomic.Uint64
	freed     atomic.Uint64
}

func newAllocator(maxFree int) *allocator {
	return &allocator{maxFree: maxFree}
}

func (a *allocator) alloc(id uint64, key Key, hotCount int, reason Reason, blocking, native bool) *Request {
	a.mu.Lock()
	var r *Request
	if n := len(a.free); n > 0 {
		r = a.free[n-1]
		a.free = a.free[:n-1]
	}
	a.mu.Unlock()

	if r == nil {
		r = new(Request)
	}

	r.mu.Lock()
	r.id = id
	r.key = key
	r.hotCount = hotCount
	r.reason = reason
	r.blocking = blocking
	r.native = native
	r.queuedAt = time.Now()
	r.elem = nil
	r.state = StateQueued
	r.artifact = nil
	r.err = nil
	r.waiter = nil
	r.invalidated = false
	r.freed = false
	r.gen.Add(1)
	r.mu.Unlock()

	a.allocated.Add(1)
	return r
}

func (a *allocator) release(r *Request) {
	r.mu.Lock()
	if r.freed {
		r.mu.Unlock()
		panic(fmt.Sprintf("request %d released twice", r.id))
	}
	r.freed = true
	r.artifact = nil
	r.waiter = nil
	r.elem = nil
	r.mu.Unlock()

	a.freed.Add(1)

	a.mu.Lock()
	if len(a.free) < a.maxFree {
		a.free = append(a.free, r)
	}
	a.mu.Unlock()
}

// AllocStats counts request allocations.
type AllocStats struct {
	Allocated uint64 `json:"allocated"`
	Freed     uint64 `json:"freed"`
	Live      uint64 `json:"live"`
}

func (a *allocator) stats() AllocStats {
	freed := a.freed.Load()
	alloc := a.allocated.Load()
	return AllocStats{Allocated: alloc, Freed: freed, Live: alloc - freed}
}
