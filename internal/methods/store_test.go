package methods

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edirooss/compilebroker/internal/broker"
)

func newStore(t *testing.T, ids ...broker.MethodID) *Store {
	s := New(zaptest.NewLogger(t))
	for _, id := range ids {
		_, err := s.Register(broker.MethodInfo{ID: id, HolderInitialized: true})
		require.NoError(t, err)
	}
	return s
}

func TestRegister(t *testing.T) {
	s := newStore(t)

	created, err := s.Register(broker.MethodInfo{ID: "b", CodeSize: 10})
	require.NoError(t, err)
	require.True(t, created)
	_, err = s.Register(broker.MethodInfo{ID: "a"})
	require.NoError(t, err)

	_, err = s.Register(broker.MethodInfo{})
	require.ErrorIs(t, err, ErrInvalidMethod)
	_, err = s.Register(broker.MethodInfo{ID: "c", CodeSize: -1})
	require.ErrorIs(t, err, ErrInvalidMethod)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, broker.MethodID("a"), list[0].ID)
	require.Equal(t, 2, s.Len())
	require.NotZero(t, s.Footprint())
}

func TestRegisterKeepsState(t *testing.T) {
	s := newStore(t, "m")
	require.True(t, s.TryMarkQueued("m", false))
	s.SetNotCompilable("m", broker.TierOptimizing, true)

	created, err := s.Register(broker.MethodInfo{ID: "m", HolderInitialized: true, CodeSize: 99})
	require.NoError(t, err)
	require.False(t, created)

	info, ok := s.Describe("m")
	require.True(t, ok)
	require.Equal(t, 99, info.CodeSize)
	require.True(t, s.IsQueued("m", false))
	require.True(t, s.IsNotCompilable("m", broker.TierOptimizing, true))
}

func TestReRegisterThenUnregister(t *testing.T) {
	s := newStore(t, "a", "m", "z")
	footprint := s.Footprint()

	for i := 0; i < 3; i++ {
		_, err := s.Register(broker.MethodInfo{ID: "m", HolderInitialized: true, CodeSize: i})
		require.NoError(t, err)
	}
	require.Equal(t, 3, s.Len())
	require.Equal(t, footprint, s.Footprint())

	s.Unregister("m")
	_, ok := s.Describe("m")
	require.False(t, ok)
	require.Equal(t, 2, s.Len())
	for _, info := range s.List() {
		require.NotEqual(t, broker.MethodID("m"), info.ID)
	}
}

func TestQueuedBitPerEntryKind(t *testing.T) {
	s := newStore(t, "m")

	require.True(t, s.TryMarkQueued("m", false))
	require.False(t, s.TryMarkQueued("m", false))
	require.True(t, s.TryMarkQueued("m", true))

	s.ClearQueued("m", false)
	require.False(t, s.IsQueued("m", false))
	require.True(t, s.IsQueued("m", true))

	require.False(t, s.TryMarkQueued("unknown", false))
	require.False(t, s.IsQueued("unknown", false))
}

func TestTryMarkQueuedIsExclusive(t *testing.T) {
	s := newStore(t, "m")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryMarkQueued("m", true) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

func TestNotCompilable(t *testing.T) {
	s := newStore(t, "m")

	s.SetNotCompilable("m", broker.TierBaseline, true)
	require.True(t, s.IsNotCompilable("m", broker.TierBaseline, true))
	require.False(t, s.IsNotCompilable("m", broker.TierBaseline, false))
	require.False(t, s.IsNotCompilable("m", broker.TierOptimizing, true))

	s.ResetCompilable("m")
	require.False(t, s.IsNotCompilable("m", broker.TierBaseline, true))
}

func TestInstallUninstall(t *testing.T) {
	s := newStore(t, "m")

	a1 := &broker.Artifact{Method: "m", Tier: broker.TierBaseline, BCI: broker.InvocationEntryBCI, Size: 10}
	require.Nil(t, s.Install(a1))
	a2 := &broker.Artifact{Method: "m", Tier: broker.TierBaseline, BCI: broker.InvocationEntryBCI, Size: 20}
	require.Same(t, a1, s.Install(a2))

	osr := &broker.Artifact{Method: "m", Tier: broker.TierBaseline, BCI: 7, Size: 5}
	s.Install(osr)
	opt := &broker.Artifact{Method: "m", Tier: broker.TierOptimizing, BCI: broker.InvocationEntryBCI, Size: 50}
	s.Install(opt)

	got, ok := s.Installed("m", broker.TierBaseline, broker.InvocationEntryBCI)
	require.True(t, ok)
	require.Same(t, a2, got)
	require.Equal(t, []*broker.Artifact{a2, osr, opt}, s.Artifacts("m"))

	dropped := s.Uninstall("m", broker.TierBaseline)
	require.Len(t, dropped, 2)
	_, ok = s.Installed("m", broker.TierBaseline, 7)
	require.False(t, ok)

	require.Equal(t, []*broker.Artifact{opt}, s.Unregister("m"))
	_, ok = s.Describe("m")
	require.False(t, ok)
	require.Nil(t, s.Install(&broker.Artifact{Method: "m"}))
}
