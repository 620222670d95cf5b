package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type artKey struct {
	m    MethodID
	tier Tier
	bci  int
}

type ncKey struct {
	m    MethodID
	tier Tier
	osr  bool
}

type queuedKey struct {
	m   MethodID
	osr bool
}

// fakeStore is a mutex-guarded MethodStore.
type fakeStore struct {
	mu            sync.Mutex
	methods       map[MethodID]MethodInfo
	installed     map[artKey]*Artifact
	queued        map[queuedKey]bool
	notCompilable map[ncKey]bool
}

func newFakeStore(ids ...MethodID) *fakeStore {
	s := &fakeStore{
		methods:       make(map[MethodID]MethodInfo),
		installed:     make(map[artKey]*Artifact),
		queued:        make(map[queuedKey]bool),
		notCompilable: make(map[ncKey]bool),
	}
	for _, id := range ids {
		s.add(MethodInfo{ID: id, HolderInitialized: true, CodeSize: 32})
	}
	return s
}

func (s *fakeStore) add(info MethodInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[info.ID] = info
}

func (s *fakeStore) Describe(m MethodID) (MethodInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.methods[m]
	return info, ok
}

func (s *fakeStore) Installed(m MethodID, tier Tier, bci int) (*Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.installed[artKey{m, tier, bci}]
	return a, ok
}

func (s *fakeStore) Install(a *Artifact) *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := artKey{a.Method, a.Tier, a.BCI}
	old := s.installed[k]
	s.installed[k] = a
	return old
}

func (s *fakeStore) Uninstall(m MethodID, tier Tier) []*Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Artifact
	for k, a := range s.installed {
		if k.m == m && k.tier == tier {
			out = append(out, a)
			delete(s.installed, k)
		}
	}
	return out
}

func (s *fakeStore) IsQueued(m MethodID, osr bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued[queuedKey{m, osr}]
}

func (s *fakeStore) TryMarkQueued(m MethodID, osr bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := queuedKey{m, osr}
	if s.queued[k] {
		return false
	}
	s.queued[k] = true
	return true
}

func (s *fakeStore) ClearQueued(m MethodID, osr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, queuedKey{m, osr})
}

func (s *fakeStore) IsNotCompilable(m MethodID, tier Tier, osr bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notCompilable[ncKey{m, tier, osr}]
}

func (s *fakeStore) SetNotCompilable(m MethodID, tier Tier, osr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notCompilable[ncKey{m, tier, osr}] = true
}

func (s *fakeStore) ResetCompilable(m MethodID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.notCompilable {
		if k.m == m {
			delete(s.notCompilable, k)
		}
	}
}

// fakeCache is a byte-counting CodeCache. Reclaim frees everything once
// reclaimable is set.
type fakeCache struct {
	mu          sync.Mutex
	capacity    int64
	used        int64
	reclaimable atomic.Bool
}

func newFakeCache(capacity int64) *fakeCache { return &fakeCache{capacity: capacity} }

func (c *fakeCache) Allocate(size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used+size > c.capacity {
		return false
	}
	c.used += size
	return true
}

func (c *fakeCache) Free(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used -= size
}

func (c *fakeCache) Capacity() int64 { return c.capacity }

func (c *fakeCache) Headroom() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.used
}

func (c *fakeCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *fakeCache) Reclaim(context.Context) (int64, error) {
	if !c.reclaimable.Load() {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	freed := c.used
	c.used = 0
	return freed, nil
}

// fakeCompiler returns a fixed-size artifact unless fn is set.
type fakeCompiler struct {
	fn      func(ctx context.Context, r *Request, sp SafePoint) (*Artifact, error)
	initErr error
	calls   atomic.Int32
	retired atomic.Int32
}

func (c *fakeCompiler) Init(context.Context) error { return c.initErr }

func (c *fakeCompiler) Compile(ctx context.Context, r *Request, sp SafePoint) (*Artifact, error) {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, r, sp)
	}
	return &Artifact{Size: 64}, nil
}

func (c *fakeCompiler) OnWorkerRetiring(*Worker) { c.retired.Add(1) }

// gated blocks every compilation of the listed methods until release is
// closed or ctx ends. entered receives the method of each blocked compile.
type gated struct {
	release chan struct{}
	entered chan MethodID
	methods map[MethodID]bool
}

func newGated(methods ...MethodID) *gated {
	g := &gated{
		release: make(chan struct{}),
		entered: make(chan MethodID, 64),
		methods: make(map[MethodID]bool),
	}
	for _, m := range methods {
		g.methods[m] = true
	}
	return g
}

func (g *gated) compile(ctx context.Context, r *Request, _ SafePoint) (*Artifact, error) {
	if len(g.methods) == 0 || g.methods[r.Key().Method] {
		g.entered <- r.Key().Method
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Artifact{Size: 64}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []CompileEvent
}

func (s *recordingSink) Record(ev CompileEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) all() []CompileEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompileEvent(nil), s.events...)
}

func oneTier(minW, maxW int) Config {
	return Config{
		Tiers:            []TierConfig{{Enabled: true, MinWorkers: minW, MaxWorkers: maxW}},
		IdlePollInterval: 10 * time.Millisecond,
	}
}

type harness struct {
	b     *Broker
	store *fakeStore
	cache *fakeCache
	sink  *recordingSink
}

func newHarness(t *testing.T, cfg Config, store *fakeStore, cache *fakeCache, compilers ...Compiler) *harness {
	t.Helper()

	sink := &recordingSink{}
	b, err := New(zaptest.NewLogger(t), cfg, Deps{
		Store:     store,
		CodeCache: cache,
		Compilers: compilers,
		Sinks:     []Sink{sink},
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Shutdown(ctx))
	})
	return &harness{b: b, store: store, cache: cache, sink: sink}
}

func (h *harness) workers(tier Tier) int {
	return h.b.Stats().Tiers[tier].Workers
}

type result struct {
	a   *Artifact
	err error
}

// requestAsync runs a blocking request in its own goroutine.
func (h *harness) requestAsync(args Args) <-chan result {
	args.Blocking = true
	ch := make(chan result, 1)
	go func() {
		a, err := h.b.RequestCompilation(context.Background(), args)
		ch <- result{a, err}
	}()
	return ch
}

func std(m MethodID) Args {
	return Args{Method: m, BCI: InvocationEntryBCI, Tier: TierBaseline, HotCount: 1000}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}
