package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// pool is the worker pool of one tier.
//
// Concurrency model
//   - mu guards workers, min, max and closed. Lock order is queue → pool →
//     request; the pool lock is never held while blocking.
//   - Ownership of a worker slot is tracked by slots, sized MaxWorkers. A
//     worker acquires its slot before it starts and releases it in exit.
//   - growMu is only ever TryLock'ed: growth is best effort and must never
//     stall admission or a finishing worker.
type pool struct {
	b        *Broker
	log      *zap.Logger
	tier     Tier
	cfg      TierConfig
	compiler Compiler
	queue    *Queue
	counters tierCounters

	disabled atomic.Bool
	initFail atomic.Pointer[InitError]

	growMu sync.Mutex

	mu      sync.Mutex
	workers map[int]*Worker
	slots   *slotPool
	indices *slotAllocator
	min     int
	max     int
	closed  bool
}

func newPool(b *Broker, tier Tier, cfg TierConfig, compiler Compiler, policy SelectionPolicy) *pool {
	p := &pool{
		b:        b,
		log:      b.log.Named("pool").With(zap.Stringer("tier", tier)),
		tier:     tier,
		cfg:      cfg,
		compiler: compiler,
		workers:  make(map[int]*Worker),
		slots:    newSlotPool(cfg.MaxWorkers),
		indices:  newSlotAllocator(),
		min:      cfg.MinWorkers,
		max:      cfg.MaxWorkers,
	}
	p.queue = newQueue(b.log, tier, policy, b.cfg.IdlePollInterval, b.alloc, b.store, &b.state)
	p.queue.idle = p
	return p
}

// start initialises the tier's compiler and spawns the minimum workers.
// A failing Init disables the tier for good.
func (p *pool) start(ctx context.Context) error {
	if init, ok := p.compiler.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			ierr := &InitError{Tier: p.tier, Err: err}
			p.disable(ierr)
			return ierr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workers) < p.min {
		if !p.spawnUnsafe() {
			return fmt.Errorf("tier %s: spawned %d of %d workers", p.tier, len(p.workers), p.min)
		}
	}
	p.log.Info("tier started", zap.Int("workers", len(p.workers)), zap.Int("max", p.max))
	return nil
}

// disable turns the tier off permanently: admission rejects it, queued
// requests are drained and idle workers exit.
func (p *pool) disable(err *InitError) {
	if !p.disabled.CompareAndSwap(false, true) {
		return
	}
	p.initFail.Store(err)
	p.log.Error("tier disabled", zap.Error(err))
	p.queue.close()
	p.queue.FreeAll(err)
}

func (p *pool) initErr() error {
	if e := p.initFail.Load(); e != nil {
		return e
	}
	return nil
}

// spawnUnsafe starts one worker on the lowest free slot. Caller holds p.mu.
func (p *pool) spawnUnsafe() bool {
	if p.closed || p.disabled.Load() || len(p.workers) >= p.max {
		return false
	}

	slot := p.indices.alloc()
	if !p.slots.tryAcquire(slot) {
		p.indices.release(slot)
		return false
	}

	name := fmt.Sprintf("%s-compiler-%d", p.tier, slot)
	w := &Worker{
		pool: p,
		slot: slot,
		name: name,
		log:  p.log.With(zap.String("worker", name)),
	}
	p.workers[slot] = w

	ctx := p.b.ctx
	p.b.group.Go(func() error {
		w.run(ctx)
		return nil
	})
	return true
}

// exit is the last thing a worker goroutine does.
func (p *pool) exit(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers[w.slot] == w {
		delete(p.workers, w.slot)
	}
	p.slots.release(w.slot)
	p.indices.release(w.slot)
	w.log.Debug("worker exited", zap.Int("live", len(p.workers)))
}

// sizing is the input of the growth formula. A zero divisor disables the
// corresponding bound.
type sizing struct {
	maxWorkers         int
	queueDepth         int
	tasksPerWorker     int
	freeMemory         uint64
	memoryPerWorker    int64
	codeCacheHeadroom  int64
	codeCachePerWorker int64
}

// growthTarget returns the worker count the tier should run at.
func growthTarget(s sizing) int {
	target := s.maxWorkers
	if s.tasksPerWorker > 0 {
		target = min(target, s.queueDepth/s.tasksPerWorker)
	}
	if s.memoryPerWorker > 0 {
		target = min(target, int(min(s.freeMemory/uint64(s.memoryPerWorker), uint64(s.maxWorkers))))
	}
	if s.codeCachePerWorker > 0 {
		target = min(target, int(max(s.codeCacheHeadroom, 0)/s.codeCachePerWorker))
	}
	return max(target, 0)
}

// maybeGrow spawns workers up to the growth target. It gives up immediately
// if another goroutine is already evaluating growth.
func (p *pool) maybeGrow() {
	if !p.cfg.DynamicSizing || p.disabled.Load() {
		return
	}
	if !p.growMu.TryLock() {
		return
	}
	defer p.growMu.Unlock()

	s := sizing{
		queueDepth:         p.queue.Len(),
		tasksPerWorker:     p.cfg.TasksPerWorker,
		memoryPerWorker:    p.cfg.MemoryPerWorker,
		codeCacheHeadroom:  p.b.codeCache.Headroom(),
		codeCachePerWorker: p.cfg.CodeCachePerWorker,
	}
	if s.memoryPerWorker > 0 {
		if p.b.memory == nil {
			s.memoryPerWorker = 0
		} else if free, err := p.b.memory.Available(); err != nil {
			p.log.Debug("free memory unknown, bound ignored", zap.Error(err))
			s.memoryPerWorker = 0
		} else {
			s.freeMemory = free
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s.maxWorkers = p.max
	target := growthTarget(s)
	before := len(p.workers)
	for len(p.workers) < target {
		if !p.spawnUnsafe() {
			break
		}
	}
	if n := len(p.workers); n > before {
		p.log.Info("workers added", zap.Int("live", n), zap.Int("target", target), zap.Int("queue_depth", s.queueDepth))
	}
}

// onEmptyQueue runs each time an idle worker finds its queue empty.
func (p *pool) onEmptyQueue(w *Worker) {
	if h, ok := p.compiler.(EmptyQueueHook); ok {
		h.OnEmptyQueue(p.queue, w)
	}
	// Idle time is the moment to give code cache space back.
	if p.b.state.Load() == Stop {
		p.b.startReclaim()
	}
}

// tryRetire decides whether w leaves the pool. Caller holds the queue lock,
// so no request can be added between the decision and the worker's exit.
func (p *pool) tryRetire(w *Worker) bool {
	if w == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := len(p.workers)
	if live <= 1 || p.workers[w.slot] != w {
		return false
	}

	surplus := live > p.max
	if !surplus {
		if !p.cfg.DynamicSizing || live <= p.min || w.idleFor() < p.cfg.IdleRetireAfter {
			return false
		}
	}

	// Only the highest slot retires so indices stay dense.
	for slot := range p.workers {
		if slot > w.slot {
			return false
		}
	}

	delete(p.workers, w.slot)
	return true
}

// updateLimits resizes the pool at runtime. Surplus workers retire at their
// next idle check; missing minimum workers are spawned right away.
func (p *pool) updateLimits(minWorkers, maxWorkers int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.min == minWorkers && p.max == maxWorkers {
		return
	}
	p.log.Info("updating worker limits",
		zap.Int("old_min", p.min), zap.Int("new_min", minWorkers),
		zap.Int("old_max", p.max), zap.Int("new_max", maxWorkers))

	p.min, p.max = minWorkers, maxWorkers
	p.slots.updateLimit(maxWorkers)

	for len(p.workers) < p.min {
		if !p.spawnUnsafe() {
			break
		}
	}
}

// shutdown stops spawning and closes the queue.
func (p *pool) shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.queue.close()
}

// -----------------------------------------------------------------------------
// Completion
// -----------------------------------------------------------------------------

// complete moves r to its terminal state. Method state is updated under the
// queue lock before the waiter is woken.
func (p *pool) complete(w *Worker, r *Request, a *Artifact, err error, started bool, elapsed time.Duration) {
	b := p.b
	key := r.key

	if err == nil && a == nil {
		err = &Bailout{Reason: "compiler returned no artifact", Retry: RetryLater}
	}

	// Reserve code space outside the queue lock.
	reserved, full := false, false
	if err == nil {
		a.Method, a.Tier, a.BCI, a.CompileID = key.Method, key.Tier, key.BCI, r.id
		if b.codeCache.Allocate(a.Size) {
			reserved = true
		} else {
			full = true
			err = ErrResourceExhausted
		}
	}

	var (
		replaced *Artifact
		discard  int64
	)

	p.queue.mu.Lock()
	switch {
	case r.Invalidated() || errors.Is(err, ErrInvalidated):
		// A moot artifact never triggers backpressure.
		if reserved {
			discard = a.Size
		}
		a, err, full = nil, ErrInvalidated, false
	case err == nil:
		replaced = b.store.Install(a)
	default:
		a = nil
		p.applyFailureUnsafe(key, err)
	}
	b.store.ClearQueued(key.Method, key.OSR)
	w.current = Handle{}
	p.queue.mu.Unlock()

	if discard > 0 {
		b.codeCache.Free(discard)
	}
	if replaced != nil {
		b.codeCache.Free(replaced.Size)
	}
	if full {
		b.HandleFullCodeCache(p.tier)
	}

	state := StateComplete
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidated) && !started:
		state = StateStale
	default:
		state = StateFailed
	}

	p.account(state, a, err, elapsed)
	p.logOutcome(r, state, err)
	b.emit(p.event(w, r, state, a, err, elapsed))

	if r.finish(state, a, err) {
		b.alloc.release(r)
	}
}

// applyFailureUnsafe records the retry classification of a failed attempt
// in the method state. Caller holds the queue lock.
func (p *pool) applyFailureUnsafe(key Key, err error) {
	store := p.b.store
	switch retryPolicyOf(err) {
	case NeverRetry:
		store.SetNotCompilable(key.Method, key.Tier, false)
		store.SetNotCompilable(key.Method, key.Tier, true)
	case RetryAtLowerTier:
		store.SetNotCompilable(key.Method, key.Tier, key.OSR)
	}
}

func (p *pool) account(state State, a *Artifact, err error, elapsed time.Duration) {
	c := &p.counters
	switch {
	case state == StateComplete:
		c.compiled.Add(1)
		c.bytesInstalled.Add(a.Size)
	case errors.Is(err, ErrInvalidated):
		c.invalidated.Add(1)
	default:
		c.bailouts.Add(1)
	}
	if elapsed > 0 {
		c.observe(elapsed)
	}
}

func (p *pool) logOutcome(r *Request, state State, err error) {
	if state == StateComplete {
		return
	}
	fields := []zap.Field{zap.Uint64("id", r.id), zap.Stringer("key", r.key), zap.Stringer("state", state), zap.Error(err)}

	var bo *Bailout
	if errors.As(err, &bo) && bo.Retry == NeverRetry {
		if p.b.cfg.PrintBailouts && !bo.Quiet {
			p.log.Warn("method not compilable", fields...)
			return
		}
	}
	p.log.Debug("compilation failed", fields...)
}

func (p *pool) event(w *Worker, r *Request, state State, a *Artifact, err error, elapsed time.Duration) CompileEvent {
	ev := CompileEvent{
		Broker:    p.b.id,
		CompileID: r.id,
		Method:    r.key.Method,
		Tier:      r.key.Tier.String(),
		OSR:       r.key.OSR,
		BCI:       r.key.BCI,
		Reason:    r.reason.String(),
		State:     state.String(),
		Worker:    w.name,
		Duration:  elapsed,
		At:        time.Now(),
	}
	if a != nil {
		ev.Size = a.Size
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Retry = retryPolicyOf(err).String()
	}
	return ev
}
