// Package broker schedules compile requests for a tiered compiler: admission
// and deduplication, one request queue and one worker pool per tier, and
// global backpressure when the code cache fills up or a pause is requested.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TierConfig sizes the worker pool of one tier.
type TierConfig struct {
	Enabled    bool
	MinWorkers int
	MaxWorkers int

	// DynamicSizing enables growth and idle shrink between Min and Max.
	DynamicSizing bool
	// Growth bounds; zero disables a bound.
	TasksPerWorker     int
	MemoryPerWorker    int64
	CodeCachePerWorker int64
	IdleRetireAfter    time.Duration

	// Policy names the selection policy ("fifo", "hottest").
	Policy string
}

// IDRange restricts which compile ids are accepted. The zero value accepts all.
type IDRange struct {
	Start uint64
	Stop  uint64
}

func (r IDRange) contains(id uint64) bool {
	if r.Start == 0 && r.Stop == 0 {
		return true
	}
	return id >= r.Start && (r.Stop == 0 || id < r.Stop)
}

type BackpressureConfig struct {
	// Reclaim stops admission on a full code cache instead of disabling
	// compilation forever.
	Reclaim         bool
	DrainOnFull     bool
	ResumeHeadroom  int64
	ReclaimInterval time.Duration
}

// WaitOptions control how long a blocking caller waits without progress.
// A zero Slice disables liveness polling: the caller waits for completion or
// its context.
type WaitOptions struct {
	Slice            time.Duration
	MaxStalledSlices int
}

type Config struct {
	// Tiers is indexed by Tier.
	Tiers            []TierConfig
	IdlePollInterval time.Duration

	IDRange       IDRange
	OSRIDRange    IDRange
	NativeIDRange IDRange

	Backpressure  BackpressureConfig
	PrintBailouts bool
	Wait          WaitOptions
	FreeListSize  int
}

// Deps are the collaborators of a Broker. Compilers is indexed by Tier.
type Deps struct {
	Store     MethodStore
	CodeCache CodeCache
	Memory    MemoryProbe
	Compilers []Compiler
	Sinks     []Sink
}

// Broker is the compile scheduler. All scheduler state lives here; there are
// no package-level globals.
type Broker struct {
	id  string
	cfg Config
	log *zap.Logger

	store     MethodStore
	codeCache CodeCache
	memory    MemoryProbe
	sinks     []Sink

	alloc *allocator
	pools []*pool // nil for disabled tiers

	state      runState
	pause      *pauseGate
	fullEvents atomic.Uint64
	reclaiming atomic.Bool

	nextID       atomic.Uint64
	nextOSRID    atomic.Uint64
	nextNativeID atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	stopOnce sync.Once
}

// New validates cfg and builds a broker. Workers are not started until Start.
func New(log *zap.Logger, cfg Config, deps Deps) (*Broker, error) {
	if deps.Store == nil || deps.CodeCache == nil {
		return nil, errors.New("broker: method store and code cache are required")
	}
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("broker: no tiers configured")
	}
	if cfg.Backpressure.ReclaimInterval <= 0 {
		cfg.Backpressure.ReclaimInterval = time.Second
	}
	if cfg.FreeListSize <= 0 {
		cfg.FreeListSize = 1024
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		id:        id,
		cfg:       cfg,
		log:       log.Named("broker").With(zap.String("broker_id", id)),
		store:     deps.Store,
		codeCache: deps.CodeCache,
		memory:    deps.Memory,
		sinks:     deps.Sinks,
		alloc:     newAllocator(cfg.FreeListSize),
		pools:     make([]*pool, len(cfg.Tiers)),
		pause:     newPauseGate(),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i, tc := range cfg.Tiers {
		tier := Tier(i)
		if !tc.Enabled {
			continue
		}
		if err := validateTier(tc); err != nil {
			cancel()
			return nil, fmt.Errorf("broker: tier %s: %w", tier, err)
		}
		if i >= len(deps.Compilers) || deps.Compilers[i] == nil {
			cancel()
			return nil, fmt.Errorf("broker: tier %s: no compiler", tier)
		}
		policy, err := PolicyByName(tc.Policy)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("broker: tier %s: %w", tier, err)
		}
		b.pools[i] = newPool(b, tier, tc, deps.Compilers[i], policy)
	}
	return b, nil
}

func validateTier(tc TierConfig) error {
	if tc.MinWorkers < 1 {
		return fmt.Errorf("min workers %d < 1", tc.MinWorkers)
	}
	if tc.MaxWorkers < tc.MinWorkers {
		return fmt.Errorf("max workers %d < min workers %d", tc.MaxWorkers, tc.MinWorkers)
	}
	return nil
}

// ID is the unique instance id of b.
func (b *Broker) ID() string { return b.id }

// State returns the global admission state.
func (b *Broker) State() RunState { return b.state.Load() }

func (b *Broker) pool(t Tier) *pool {
	if int(t) >= len(b.pools) {
		return nil
	}
	return b.pools[t]
}

// Start initialises every enabled tier and spawns its minimum workers. A tier
// whose compiler fails to initialise is disabled; Start fails only if no tier
// could be started.
func (b *Broker) Start(ctx context.Context) error {
	var errs []error
	started := 0
	for _, p := range b.pools {
		if p == nil {
			continue
		}
		if err := p.start(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("broker: no tier started: %w", errors.Join(errs...))
	}
	b.log.Info("broker started", zap.Int("tiers", started), zap.Int("disabled", len(errs)))
	return nil
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

// Args describe one compile trigger.
type Args struct {
	Method   MethodID
	BCI      int // InvocationEntryBCI for a standard entry
	Tier     Tier
	HotCount int
	Reason   Reason
	Blocking bool
	// Wait overrides the configured liveness polling for blocking callers.
	Wait *WaitOptions
}

// RequestCompilation admits a compile request. It returns the installed
// artifact if one already exists. Non-blocking callers get (nil, nil) once
// the request is queued; blocking callers wait for the terminal outcome.
func (b *Broker) RequestCompilation(ctx context.Context, args Args) (*Artifact, error) {
	a, r, done, err := b.admit(args)
	if err != nil {
		if p := b.pool(args.Tier); p != nil {
			p.counters.rejected.Add(1)
		}
		return nil, err
	}
	if r == nil {
		return a, nil
	}
	b.pool(args.Tier).maybeGrow()
	if !args.Blocking {
		return nil, nil
	}

	opts := b.cfg.Wait
	if args.Wait != nil {
		opts = *args.Wait
	}
	return b.wait(ctx, r, done, opts)
}

func (b *Broker) admit(args Args) (*Artifact, *Request, <-chan struct{}, error) {
	m, tier := args.Method, args.Tier
	reject := func(reason RejectReason) error {
		return &RejectedError{Method: m, Tier: tier, Reason: reason}
	}

	info, ok := b.store.Describe(m)
	if !ok {
		return nil, nil, nil, reject(RejectUnknownMethod)
	}
	if info.Abstract || !info.HolderInitialized {
		return nil, nil, nil, reject(RejectContractViolation)
	}
	p := b.pool(tier)
	if p == nil || p.disabled.Load() {
		return nil, nil, nil, reject(RejectTierDisabled)
	}

	osr := args.BCI != InvocationEntryBCI

	// Relaxed pre-check without the queue lock.
	if a, why := b.check(m, tier, args.BCI, osr); a != nil || why != 0 {
		if why != 0 {
			return nil, nil, nil, reject(why)
		}
		return a, nil, nil, nil
	}

	q := p.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if p.disabled.Load() {
		return nil, nil, nil, reject(RejectTierDisabled)
	}
	if q.closed {
		return nil, nil, nil, reject(RejectCompilationDisabled)
	}
	if a, why := b.check(m, tier, args.BCI, osr); a != nil || why != 0 {
		if why != 0 {
			return nil, nil, nil, reject(why)
		}
		return a, nil, nil, nil
	}
	if !b.store.TryMarkQueued(m, osr) {
		return nil, nil, nil, reject(RejectAlreadyQueued)
	}

	id, ok := b.nextCompileID(info.Native, osr)
	if !ok {
		b.store.ClearQueued(m, osr)
		return nil, nil, nil, reject(RejectIDOutOfRange)
	}

	key := Key{Method: m, OSR: osr, BCI: args.BCI, Tier: tier}
	r := b.alloc.alloc(id, key, args.HotCount, args.Reason, args.Blocking, info.Native)

	var done <-chan struct{}
	if args.Blocking {
		// Registered before the request is visible to any worker.
		ch, err := r.RegisterWaiter()
		if err != nil {
			panic(err)
		}
		done = ch
	}
	q.addUnsafe(r)
	return nil, r, done, nil
}

// check runs the installed, not-compilable, run-state and queued checks.
func (b *Broker) check(m MethodID, tier Tier, bci int, osr bool) (*Artifact, RejectReason) {
	if a, ok := b.store.Installed(m, tier, bci); ok {
		return a, 0
	}
	if b.store.IsNotCompilable(m, tier, osr) {
		return nil, RejectNotCompilable
	}
	switch b.state.Load() {
	case Stop:
		return nil, RejectCompilationStopped
	case ShutdownForever:
		return nil, RejectCompilationDisabled
	}
	if b.store.IsQueued(m, osr) {
		return nil, RejectAlreadyQueued
	}
	return nil, 0
}

// nextCompileID draws the next id from the counter matching the entry kind
// and checks it against the configured debug range.
func (b *Broker) nextCompileID(native, osr bool) (uint64, bool) {
	switch {
	case native:
		id := b.nextNativeID.Add(1)
		return id, b.cfg.NativeIDRange.contains(id)
	case osr:
		id := b.nextOSRID.Add(1)
		return id, b.cfg.OSRIDRange.contains(id)
	default:
		id := b.nextID.Add(1)
		return id, b.cfg.IDRange.contains(id)
	}
}

// wait blocks until r finishes, ctx ends or r stops making progress for
// opts.MaxStalledSlices consecutive slices. On give-up the request keeps
// running and its worker frees it.
func (b *Broker) wait(ctx context.Context, r *Request, done <-chan struct{}, opts WaitOptions) (*Artifact, error) {
	var tick <-chan time.Time
	if opts.Slice > 0 {
		t := time.NewTicker(opts.Slice)
		defer t.Stop()
		tick = t.C
	}

	last, stalled := r.progress.Load(), 0
	for {
		select {
		case <-done:
			return b.collect(r)
		case <-ctx.Done():
			return b.giveUp(r, ctx.Err())
		case <-tick:
			if cur := r.progress.Load(); cur != last {
				last, stalled = cur, 0
				continue
			}
			stalled++
			if opts.MaxStalledSlices > 0 && stalled >= opts.MaxStalledSlices {
				return b.giveUp(r, fmt.Errorf("no progress for %d slices of %s", stalled, opts.Slice))
			}
		}
	}
}

// collect takes the outcome of a finished request and frees it.
func (b *Broker) collect(r *Request) (*Artifact, error) {
	a, err := r.Result()
	b.alloc.release(r)
	return a, err
}

// giveUp detaches the waiter. Once abandon succeeds the worker owns r and
// may recycle it, so r is not touched afterwards.
func (b *Broker) giveUp(r *Request, cause error) (*Artifact, error) {
	id, key := r.id, r.key
	if r.abandon() {
		return b.collect(r)
	}
	b.log.Debug("waiter gave up", zap.Uint64("id", id), zap.Stringer("key", key), zap.Error(cause))
	return nil, fmt.Errorf("%w: %w", ErrWaitAbandoned, cause)
}

// -----------------------------------------------------------------------------
// Invalidation
// -----------------------------------------------------------------------------

// Invalidation counts what Invalidate touched.
type Invalidation struct {
	Stale       int `json:"stale"`
	InFlight    int `json:"in_flight"`
	Uninstalled int `json:"uninstalled"`
}

// Invalidate is the redefinition hook: queued requests for m turn stale,
// requests being compiled are marked moot, and installed artifacts of m are
// dropped from every tier. Not-compilable bits are cleared since they were
// earned by the old code.
func (b *Broker) Invalidate(m MethodID) Invalidation {
	var res Invalidation
	for _, p := range b.pools {
		if p == nil {
			continue
		}
		q := p.queue

		q.mu.Lock()
		for e := q.reqs.Front(); e != nil; {
			next := e.Next()
			if r := e.Value.(*Request); r.key.Method == m {
				q.removeAndMarkStaleUnsafe(r)
				res.Stale++
				p.counters.invalidated.Add(1)
			}
			e = next
		}
		p.mu.Lock()
		for _, w := range p.workers {
			if w.current.invalidate(m) {
				res.InFlight++
			}
		}
		p.mu.Unlock()
		dropped := b.store.Uninstall(m, p.tier)
		q.mu.Unlock()

		for _, a := range dropped {
			b.codeCache.Free(a.Size)
		}
		res.Uninstalled += len(dropped)
	}
	b.store.ResetCompilable(m)

	if res != (Invalidation{}) {
		b.log.Info("method invalidated", zap.String("method", string(m)),
			zap.Int("stale", res.Stale), zap.Int("in_flight", res.InFlight), zap.Int("uninstalled", res.Uninstalled))
	}
	return res
}

// UpdateLimits resizes the worker pool of tier at runtime.
func (b *Broker) UpdateLimits(tier Tier, minWorkers, maxWorkers int) error {
	p := b.pool(tier)
	if p == nil || p.disabled.Load() {
		return fmt.Errorf("tier %s: %w", tier, ErrTierDisabled)
	}
	if err := validateTier(TierConfig{MinWorkers: minWorkers, MaxWorkers: maxWorkers}); err != nil {
		return fmt.Errorf("tier %s: %w", tier, err)
	}
	p.updateLimits(minWorkers, maxWorkers)
	return nil
}

func (b *Broker) emit(ev CompileEvent) {
	for _, s := range b.sinks {
		s.Record(ev)
	}
}

// Shutdown stops admission, fails every queued request with ErrStopped,
// cancels running compilations and waits for all workers to exit.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		for _, p := range b.pools {
			if p != nil {
				p.shutdown()
				p.queue.FreeAll(ErrStopped)
			}
		}
		b.cancel()
	})

	done := make(chan error, 1)
	go func() { done <- b.group.Wait() }()

	select {
	case err := <-done:
		// Workers are gone; free whatever they parked on stale lists.
		for _, p := range b.pools {
			if p != nil {
				p.queue.FreeAll(ErrStopped)
			}
		}
		b.log.Info("broker stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown: %w", ctx.Err())
	}
}
