package simcompiler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/codecache"
	"github.com/edirooss/compilebroker/internal/methods"
	"github.com/edirooss/compilebroker/internal/simcompiler"
)

type stack struct {
	b     *broker.Broker
	store *methods.Store
	cache *codecache.Cache
	tiers []*simcompiler.Compiler
}

func newStack(t *testing.T, capacity int64, cfgs ...simcompiler.Config) *stack {
	t.Helper()
	log := zaptest.NewLogger(t)

	store := methods.New(log)
	cache, err := codecache.New(log, codecache.Config{Capacity: capacity})
	require.NoError(t, err)

	s := &stack{store: store, cache: cache}
	var (
		tiers     []broker.TierConfig
		compilers []broker.Compiler
	)
	for i, cfg := range cfgs {
		c := simcompiler.New(log, broker.Tier(i), cfg, store)
		s.tiers = append(s.tiers, c)
		compilers = append(compilers, c)
		tiers = append(tiers, broker.TierConfig{Enabled: true, MinWorkers: 1, MaxWorkers: 2})
	}

	s.b, err = broker.New(log, broker.Config{Tiers: tiers, IdlePollInterval: 10 * time.Millisecond}, broker.Deps{
		Store:     store,
		CodeCache: cache,
		Compilers: compilers,
	})
	require.NoError(t, err)
	require.NoError(t, s.b.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, s.b.Shutdown(context.Background())) })
	return s
}

func (s *stack) register(t *testing.T, id broker.MethodID, size int) {
	_, err := s.store.Register(broker.MethodInfo{ID: id, HolderInitialized: true, CodeSize: size})
	require.NoError(t, err)
}

func compile(b *broker.Broker, m broker.MethodID, tier broker.Tier) (*broker.Artifact, error) {
	return b.RequestCompilation(context.Background(), broker.Args{
		Method:   m,
		BCI:      broker.InvocationEntryBCI,
		Tier:     tier,
		Blocking: true,
	})
}

func TestCompileProducesExpandedArtifact(t *testing.T) {
	s := newStack(t, 1<<20,
		simcompiler.Config{Expansion: 2},
		simcompiler.Config{Expansion: 4, CostPerByte: time.Microsecond},
	)
	s.register(t, "Foo.bar", 100)

	a, err := compile(s.b, "Foo.bar", broker.TierBaseline)
	require.NoError(t, err)
	require.Equal(t, int64(200), a.Size)

	a, err = compile(s.b, "Foo.bar", broker.TierOptimizing)
	require.NoError(t, err)
	require.Equal(t, int64(400), a.Size)

	require.Len(t, s.store.Artifacts("Foo.bar"), 2)
	require.Equal(t, int64(600), s.cache.Stats().Used)
	require.Equal(t, uint64(1), s.tiers[1].Compiled())
}

func TestOversizedMethodFallsBackToLowerTier(t *testing.T) {
	s := newStack(t, 1<<20,
		simcompiler.Config{},
		simcompiler.Config{MaxCodeSize: 50},
	)
	s.register(t, "Big.method", 80)

	_, err := compile(s.b, "Big.method", broker.TierOptimizing)
	var bo *broker.Bailout
	require.ErrorAs(t, err, &bo)
	require.Equal(t, broker.RetryAtLowerTier, bo.Retry)
	require.True(t, s.store.IsNotCompilable("Big.method", broker.TierOptimizing, false))

	_, err = compile(s.b, "Big.method", broker.TierBaseline)
	require.NoError(t, err)
}

func TestForcedBailout(t *testing.T) {
	s := newStack(t, 1<<20, simcompiler.Config{
		Bailouts: map[broker.MethodID]broker.RetryPolicy{"Bad.method": broker.NeverRetry},
	})
	s.register(t, "Bad.method", 10)

	_, err := compile(s.b, "Bad.method", broker.TierBaseline)
	require.Error(t, err)

	_, err = compile(s.b, "Bad.method", broker.TierBaseline)
	require.Equal(t, broker.RejectNotCompilable, broker.Rejection(err))
}

func TestFailInitDisablesTier(t *testing.T) {
	s := newStack(t, 1<<20, simcompiler.Config{}, simcompiler.Config{FailInit: true})
	s.register(t, "Foo.bar", 10)

	_, err := compile(s.b, "Foo.bar", broker.TierOptimizing)
	require.Equal(t, broker.RejectTierDisabled, broker.Rejection(err))
}

func TestIdleWorkersCallHook(t *testing.T) {
	s := newStack(t, 1<<20, simcompiler.Config{})
	require.Eventually(t, func() bool { return s.tiers[0].IdleChecks() > 1 }, 2*time.Second, 5*time.Millisecond)
}
