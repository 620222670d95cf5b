package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// RunState is the global admission flag shared by all tiers.
type RunState int32

const (
	Run RunState = iota
	Stop
	ShutdownForever
)

func (s RunState) String() string {
	switch s {
	case Run:
		return "run"
	case Stop:
		return "stop"
	case ShutdownForever:
		return "shutdown"
	default:
		return fmt.Sprintf("runstate(%d)", int32(s))
	}
}

type runState struct{ v atomic.Int32 }

func (s *runState) Load() RunState { return RunState(s.v.Load()) }

func (s *runState) cas(old, new RunState) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

func (s *runState) swap(new RunState) RunState {
	return RunState(s.v.Swap(int32(new)))
}

// -----------------------------------------------------------------------------
// Code cache exhaustion
// -----------------------------------------------------------------------------

// HandleFullCodeCache reacts to an install that found the code cache full.
// With reclamation enabled admission stops until enough headroom is back;
// otherwise compilation is disabled forever.
func (b *Broker) HandleFullCodeCache(tier Tier) {
	bp := b.cfg.Backpressure
	log := b.log.With(zap.Stringer("tier", tier))

	if !bp.Reclaim {
		b.DisableForever("code cache is full")
		return
	}

	if b.state.cas(Run, Stop) {
		b.fullEvents.Add(1)
		log.Warn("code cache is full, compilation stopped",
			zap.String("capacity", units.BytesSize(float64(b.codeCache.Capacity()))),
			zap.String("headroom", units.BytesSize(float64(b.codeCache.Headroom()))))
		if bp.DrainOnFull {
			b.drainAll(ErrDrained)
		}
	}
	b.startReclaim()
}

// startReclaim launches the reclamation loop unless one is already running.
func (b *Broker) startReclaim() {
	if b.ctx.Err() != nil || !b.reclaiming.CompareAndSwap(false, true) {
		return
	}
	b.group.Go(func() error {
		defer b.reclaiming.Store(false)
		b.reclaimLoop(b.ctx)
		return nil
	})
}

// reclaimLoop reclaims code cache space until admission can resume, the
// broker is shut down or compilation was disabled forever.
func (b *Broker) reclaimLoop(ctx context.Context) {
	bp := b.cfg.Backpressure
	log := b.log.Named("reclaim")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if b.state.Load() != Stop {
			return
		}

		freed, err := b.codeCache.Reclaim(ctx)
		if err != nil {
			log.Warn("reclamation failed", zap.Error(err))
		}

		headroom := b.codeCache.Headroom()
		if headroom >= bp.ResumeHeadroom {
			if b.state.cas(Stop, Run) {
				log.Info("code cache headroom restored, compilation resumed",
					zap.String("freed", units.BytesSize(float64(freed))),
					zap.String("headroom", units.BytesSize(float64(headroom))))
			}
			return
		}

		log.Debug("headroom still below resume threshold",
			zap.Int64("headroom", headroom), zap.Int64("resume_at", bp.ResumeHeadroom))
		timer.Reset(bp.ReclaimInterval)
	}
}

// DisableForever shuts compilation down for the rest of the process
// lifetime. Queued requests are drained and idle workers exit.
func (b *Broker) DisableForever(reason string) {
	if b.state.swap(ShutdownForever) == ShutdownForever {
		return
	}
	b.log.Warn("compilation disabled forever", zap.String("reason", reason))
	b.drainAll(ErrStopped)
	for _, p := range b.pools {
		if p != nil {
			p.queue.wakeAll()
		}
	}
}

func (b *Broker) drainAll(cause error) {
	for _, p := range b.pools {
		if p != nil {
			p.queue.FreeAll(cause)
		}
	}
}

// -----------------------------------------------------------------------------
// Coordinated pause
// -----------------------------------------------------------------------------

// Pause raises the pause flag and waits until no worker executes compiler
// code outside a safe point. If ctx ends first the flag stays raised; call
// Resume to lower it.
func (b *Broker) Pause(ctx context.Context) error {
	if err := b.pause.pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	b.log.Info("compilation paused")
	return nil
}

// Resume lowers the pause flag and releases parked workers.
func (b *Broker) Resume() {
	if b.pause.resume() {
		b.log.Info("compilation resumed")
	}
}

// Paused reports whether the pause flag is raised.
func (b *Broker) Paused() bool { return b.pause.isPaused() }

// pauseGate tracks workers running compiler code and parks them while a
// pause is in progress. It is never touched with a queue lock held.
type pauseGate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{} // closed while not paused
	changed chan struct{} // closed and replaced whenever running drops
	running int
}

func newPauseGate() *pauseGate {
	g := &pauseGate{
		resumed: make(chan struct{}),
		changed: make(chan struct{}),
	}
	close(g.resumed)
	return g
}

// enter marks a worker as running compiler code, parking it first if a
// pause is in progress.
func (g *pauseGate) enter(ctx context.Context) error {
	g.mu.Lock()
	if err := g.waitResumedUnsafe(ctx); err != nil {
		g.mu.Unlock()
		return err
	}
	g.running++
	g.mu.Unlock()
	return nil
}

func (g *pauseGate) exit() {
	g.mu.Lock()
	g.running--
	g.notifyUnsafe()
	g.mu.Unlock()
}

// poll is the safe point: a running worker parks here while paused.
func (g *pauseGate) poll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return nil
	}
	g.running--
	g.notifyUnsafe()
	err := g.waitResumedUnsafe(ctx)
	g.running++
	return err
}

// waitResumedUnsafe is called and returns with g.mu held.
func (g *pauseGate) waitResumedUnsafe(ctx context.Context) error {
	for g.paused {
		ch := g.resumed
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			g.mu.Lock()
			return ctx.Err()
		}
		g.mu.Lock()
	}
	return nil
}

func (g *pauseGate) notifyUnsafe() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *pauseGate) pause(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.paused = true
		g.resumed = make(chan struct{})
	}
	for g.running > 0 {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return nil
}

func (g *pauseGate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resumed)
	return true
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
