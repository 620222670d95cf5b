package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Worker is one compiler goroutine of a tier. Its slot index is stable for
// its lifetime and reused lowest-first once it exits.
type Worker struct {
	pool *pool
	slot int
	name string
	log  *zap.Logger

	idleSince atomic.Int64 // unix nanos of the last finished request

	// request being worked on, guarded by the queue lock
	current Handle
}

func (w *Worker) Tier() Tier   { return w.pool.tier }
func (w *Worker) Slot() int    { return w.slot }
func (w *Worker) Name() string { return w.name }

func (w *Worker) markIdle() { w.idleSince.Store(time.Now().UnixNano()) }

func (w *Worker) idleFor() time.Duration {
	return time.Since(time.Unix(0, w.idleSince.Load()))
}

// run is the worker loop: dequeue, compile, complete, maybe grow.
func (w *Worker) run(ctx context.Context) {
	p := w.pool
	defer p.exit(w)

	w.markIdle()
	w.log.Debug("worker started")

	for {
		r, err := p.queue.Get(ctx, w)
		if errors.Is(err, errRetire) {
			w.log.Info("worker retiring", zap.Duration("idle", w.idleFor()))
			if h, ok := p.compiler.(RetireHook); ok {
				h.OnWorkerRetiring(w)
			}
			return
		}
		if err != nil {
			w.log.Debug("worker stopped", zap.Error(err))
			return
		}

		w.process(ctx, r)
		w.markIdle()
		p.maybeGrow()
	}
}

// process runs one selected request to its terminal state.
func (w *Worker) process(ctx context.Context, r *Request) {
	gate := w.pool.b.pause

	// A pending pause parks the worker before it starts the request.
	if err := gate.enter(ctx); err != nil {
		w.pool.complete(w, r, nil, fmt.Errorf("%w: %w", ErrStopped, err), false, 0)
		return
	}

	if !r.startCompiling() {
		gate.exit()
		w.pool.complete(w, r, nil, ErrInvalidated, false, 0)
		return
	}

	start := time.Now()
	a, err := w.compile(ctx, r)
	elapsed := time.Since(start)
	gate.exit()

	w.pool.complete(w, r, a, err, true, elapsed)
}

func (w *Worker) compile(ctx context.Context, r *Request) (a *Artifact, err error) {
	defer func() {
		if v := recover(); v != nil {
			w.log.Error("compiler panicked", zap.Stringer("key", r.key), zap.Any("panic", v), zap.Stack("stack"))
			a, err = nil, &Bailout{Reason: fmt.Sprintf("compiler panic: %v", v), Retry: NeverRetry}
		}
	}()
	return w.pool.compiler.Compile(ctx, r, safePoint{gate: w.pool.b.pause, r: r})
}

// safePoint parks the compiler during a coordinated pause and reports
// requests that became moot.
type safePoint struct {
	gate *pauseGate
	r    *Request
}

func (sp safePoint) Poll(ctx context.Context) error {
	sp.r.progress.Add(1)
	if err := sp.gate.poll(ctx); err != nil {
		return err
	}
	if sp.r.Invalidated() {
		return ErrInvalidated
	}
	return nil
}
