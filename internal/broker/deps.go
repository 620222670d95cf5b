package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Tier identifies a code-generation strategy. Each tier owns its own queue
// and worker pool; tiers never share a lock or a goroutine.
type Tier uint8

const (
	TierBaseline   Tier = 0
	TierOptimizing Tier = 1
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierOptimizing:
		return "optimizing"
	default:
		return fmt.Sprintf("tier%d", uint8(t))
	}
}

// ParseTier accepts a tier name as printed by String or a bare tier number.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "baseline":
		return TierBaseline, nil
	case "optimizing":
		return TierOptimizing, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "tier"), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid tier %q", s)
	}
	return Tier(n), nil
}

// InvocationEntryBCI marks a standard-entry (non-OSR) compilation.
const InvocationEntryBCI = -1

// MethodID is the identity of a managed method as known to the metadata store.
type MethodID string

// MethodInfo is the static part of a method's metadata.
type MethodInfo struct {
	ID                MethodID
	Abstract          bool
	HolderInitialized bool
	Native            bool
	CodeSize          int
}

// Artifact is installed compiled code for a (method, tier, bci).
type Artifact struct {
	Method    MethodID
	Tier      Tier
	BCI       int
	CompileID uint64
	Size      int64
	Code      any // opaque compiler output
}

// IsOSR reports whether the artifact is an on-stack-replacement entry.
func (a *Artifact) IsOSR() bool { return a.BCI != InvocationEntryBCI }

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// MethodStore is the method metadata collaborator. Read methods may be called
// without any broker lock held (relaxed fast path); mutations are issued while
// the owning tier's queue lock is held.
type MethodStore interface {
	Describe(m MethodID) (MethodInfo, bool)

	Installed(m MethodID, tier Tier, bci int) (*Artifact, bool)
	// Install records a and returns the artifact it replaced, if any.
	Install(a *Artifact) *Artifact
	// Uninstall drops every artifact of m at tier and returns them.
	Uninstall(m MethodID, tier Tier) []*Artifact

	IsQueued(m MethodID, osr bool) bool
	// TryMarkQueued atomically sets the queued bit; false if it was already set.
	TryMarkQueued(m MethodID, osr bool) bool
	ClearQueued(m MethodID, osr bool)

	IsNotCompilable(m MethodID, tier Tier, osr bool) bool
	SetNotCompilable(m MethodID, tier Tier, osr bool)
	// ResetCompilable clears every not-compilable bit of m.
	ResetCompilable(m MethodID)
}

// CodeCache is the bounded memory region holding installed artifacts.
type CodeCache interface {
	// Allocate reserves size bytes; false means the cache is full.
	Allocate(size int64) bool
	Free(size int64)
	Capacity() int64
	Headroom() int64
	// Reclaim releases unused space out of band and returns the bytes freed.
	Reclaim(ctx context.Context) (int64, error)
}

// MemoryProbe reports free physical memory for the growth formula.
type MemoryProbe interface {
	Available() (uint64, error)
}

// SafePoint is handed to the compiler. Poll blocks while a coordinated pause
// is in progress and returns ErrInvalidated once the request became moot.
type SafePoint interface {
	Poll(ctx context.Context) error
}

// Compiler is the opaque code generator of one tier. A failed attempt is
// reported as an error, preferably a *Bailout carrying a RetryPolicy.
type Compiler interface {
	Compile(ctx context.Context, req *Request, sp SafePoint) (*Artifact, error)
}

// Initializer is implemented by compilers that need per-tier setup. A failing
// Init disables the tier permanently.
type Initializer interface {
	Init(ctx context.Context) error
}

// EmptyQueueHook is invoked by an idle worker each time it finds its queue empty.
type EmptyQueueHook interface {
	OnEmptyQueue(q *Queue, w *Worker)
}

// RetireHook is invoked by a worker right before it retires.
type RetireHook interface {
	OnWorkerRetiring(w *Worker)
}

// Sink receives one event per finished request. Record must not block.
type Sink interface {
	Record(ev CompileEvent)
}
