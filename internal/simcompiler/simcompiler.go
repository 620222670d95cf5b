// Package simcompiler is a stand-in code generator. It spends time
// proportional to a method's bytecode size, polling the safe point while it
// "compiles", and produces an artifact of a tier-specific expansion factor.
package simcompiler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
)

type Config struct {
	// CostPerByte is the simulated compile time per bytecode byte.
	CostPerByte time.Duration
	// PollEvery is the simulated time between safe-point polls.
	PollEvery time.Duration
	// Expansion is the code size produced per bytecode byte.
	Expansion float64
	// MaxCodeSize makes larger methods bail out at this tier.
	MaxCodeSize int
	// Bailouts forces a bailout for the listed methods.
	Bailouts map[broker.MethodID]broker.RetryPolicy
	// FailInit makes Init fail, disabling the tier.
	FailInit bool
}

// Describer looks up method metadata.
type Describer interface {
	Describe(m broker.MethodID) (broker.MethodInfo, bool)
}

// Compiler implements broker.Compiler and its optional hooks.
type Compiler struct {
	log     *zap.Logger
	tier    broker.Tier
	cfg     Config
	methods Describer

	compiled atomic.Uint64
	idle     atomic.Uint64
}

func New(log *zap.Logger, tier broker.Tier, cfg Config, methods Describer) *Compiler {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Millisecond
	}
	if cfg.Expansion <= 0 {
		cfg.Expansion = 1
	}
	return &Compiler{
		log:     log.Named("simcompiler").With(zap.Stringer("tier", tier)),
		tier:    tier,
		cfg:     cfg,
		methods: methods,
	}
}

func (c *Compiler) Init(ctx context.Context) error {
	if c.cfg.FailInit {
		return errors.New("simulated backend unavailable")
	}
	return ctx.Err()
}

func (c *Compiler) Compile(ctx context.Context, req *broker.Request, sp broker.SafePoint) (*broker.Artifact, error) {
	key := req.Key()

	if policy, ok := c.cfg.Bailouts[key.Method]; ok {
		return nil, &broker.Bailout{Reason: "forced bailout", Retry: policy}
	}

	size := c.codeSize(key.Method)
	if c.cfg.MaxCodeSize > 0 && size > c.cfg.MaxCodeSize {
		return nil, &broker.Bailout{
			Reason: fmt.Sprintf("method too large (%d > %d bytes)", size, c.cfg.MaxCodeSize),
			Retry:  broker.RetryAtLowerTier,
		}
	}

	remaining := time.Duration(size) * c.cfg.CostPerByte
	for {
		if err := sp.Poll(ctx); err != nil {
			return nil, err
		}
		if remaining <= 0 {
			break
		}
		step := min(remaining, c.cfg.PollEvery)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		remaining -= step
	}

	c.compiled.Add(1)
	return &broker.Artifact{
		Size: max(int64(float64(size)*c.cfg.Expansion), 1),
		Code: fmt.Sprintf("%s code for %s", c.tier, key),
	}, nil
}

// codeSize is the bytecode size of m, falling back to the id length for
// methods registered without one.
func (c *Compiler) codeSize(m broker.MethodID) int {
	if c.methods != nil {
		if info, ok := c.methods.Describe(m); ok && info.CodeSize > 0 {
			return info.CodeSize
		}
	}
	return len(m)
}

func (c *Compiler) OnEmptyQueue(q *broker.Queue, w *broker.Worker) {
	c.idle.Add(1)
}

func (c *Compiler) OnWorkerRetiring(w *broker.Worker) {
	c.log.Debug("worker retiring", zap.String("worker", w.Name()), zap.Int("slot", w.Slot()))
}

// Compiled returns the number of successful compilations.
func (c *Compiler) Compiled() uint64 { return c.compiled.Load() }

// IdleChecks returns how often a worker of this tier found its queue empty.
func (c *Compiler) IdleChecks() uint64 { return c.idle.Load() }
