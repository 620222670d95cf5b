package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type queueFixture struct {
	q     *Queue
	alloc *allocator
	store *fakeStore
	state *runState
	next  uint64
}

func newQueueFixture(t *testing.T, policy SelectionPolicy) *queueFixture {
	f := &queueFixture{
		alloc: newAllocator(8),
		store: newFakeStore(),
		state: &runState{},
	}
	f.q = newQueue(zaptest.NewLogger(t), TierBaseline, policy, 10*time.Millisecond, f.alloc, f.store, f.state)
	return f
}

func (f *queueFixture) add(m MethodID, hot int) *Request {
	f.next++
	r := f.alloc.alloc(f.next, Key{Method: m, BCI: InvocationEntryBCI}, hot, ReasonThreshold, false, false)
	f.store.TryMarkQueued(m, false)
	f.q.Add(r)
	return r
}

func TestQueue_AddGetCounters(t *testing.T) {
	f := newQueueFixture(t, nil)

	a := f.add("A", 1)
	got, err := f.q.Get(context.Background(), nil)
	require.NoError(t, err)
	require.Same(t, a, got)
	require.Equal(t, StateSelected, got.State())

	st := f.q.Stats()
	require.Equal(t, 0, st.Size)
	require.Equal(t, uint64(1), st.TotalAdded)
	require.Equal(t, uint64(1), st.TotalRemoved)
	require.Equal(t, 1, st.Peak)
}

func TestQueue_FIFOOrder(t *testing.T) {
	f := newQueueFixture(t, FIFO{})
	a := f.add("A", 5)
	b := f.add("B", 50)

	for _, want := range []*Request{a, b} {
		got, err := f.q.Get(context.Background(), nil)
		require.NoError(t, err)
		require.Same(t, want, got)
	}
}

func TestQueue_HottestFirst(t *testing.T) {
	f := newQueueFixture(t, Hottest{})
	f.add("A", 5)
	hot := f.add("B", 50)
	f.add("C", 50)

	got, err := f.q.Get(context.Background(), nil)
	require.NoError(t, err)
	require.Same(t, hot, got)
}

func TestQueue_CountersStayConsistent(t *testing.T) {
	f := newQueueFixture(t, nil)
	for _, m := range []MethodID{"a", "b", "c", "d"} {
		f.add(m, 1)
	}
	_, err := f.q.Get(context.Background(), nil)
	require.NoError(t, err)
	r := f.add("e", 1)
	require.True(t, f.q.Remove(r))
	require.False(t, f.q.Remove(r))

	st := f.q.Stats()
	require.Equal(t, st.TotalAdded-st.TotalRemoved, uint64(st.Size))
	require.Equal(t, 3, st.Size)
	require.Equal(t, 4, st.Peak)
}

func TestQueue_FreeAllFreesEachRequestOnce(t *testing.T) {
	f := newQueueFixture(t, nil)
	reqs := []*Request{f.add("a", 1), f.add("b", 1), f.add("c", 1)}

	woken, freed := f.q.FreeAll(ErrDrained)
	require.Zero(t, woken)
	require.Equal(t, 3, freed)
	require.Zero(t, f.q.Len())

	st := f.alloc.stats()
	require.Equal(t, uint64(3), st.Freed)
	require.Zero(t, st.Live)
	for _, m := range []MethodID{"a", "b", "c"} {
		require.False(t, f.store.IsQueued(m, false))
	}

	require.Panics(t, func() { f.alloc.release(reqs[0]) })
}

func TestQueue_FreeAllHandsWaitedRequestsToWaiter(t *testing.T) {
	f := newQueueFixture(t, nil)
	r := f.add("a", 1)
	done, err := r.RegisterWaiter()
	require.NoError(t, err)

	woken, freed := f.q.FreeAll(ErrDrained)
	require.Equal(t, 1, woken)
	require.Zero(t, freed)

	<-done
	_, rerr := r.Result()
	require.ErrorIs(t, rerr, ErrDrained)
	require.Equal(t, uint64(1), f.alloc.stats().Live)
	f.alloc.release(r)
}

func TestQueue_DisabledForeverWakesParkedWorker(t *testing.T) {
	f := newQueueFixture(t, nil)
	f.q.poll = time.Hour

	errc := make(chan error, 1)
	go func() {
		_, err := f.q.Get(context.Background(), nil)
		errc <- err
	}()

	// Give the getter time to park.
	time.Sleep(20 * time.Millisecond)
	f.state.swap(ShutdownForever)
	f.q.wakeAll()

	require.ErrorIs(t, recv(t, errc), ErrStopped)
	require.Equal(t, uint64(0), f.q.Stats().TotalAdded)
}

func TestQueue_GetHonoursContext(t *testing.T) {
	f := newQueueFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.q.Get(ctx, nil)
	require.ErrorIs(t, err, ErrStopped)
}

func TestQueue_StaleWithoutWaiterIsFreedByNextGet(t *testing.T) {
	f := newQueueFixture(t, nil)
	stale := f.add("a", 1)
	next := f.add("b", 1)

	require.True(t, f.q.RemoveAndMarkStale(stale))
	require.Equal(t, StateStale, stale.State())
	require.False(t, f.store.IsQueued("a", false))
	require.Equal(t, 1, f.q.Stats().Stale)
	require.Equal(t, uint64(2), f.alloc.stats().Live)

	got, err := f.q.Get(context.Background(), nil)
	require.NoError(t, err)
	require.Same(t, next, got)
	require.Zero(t, f.q.Stats().Stale)
	require.Equal(t, uint64(1), f.alloc.stats().Live)
}

func TestQueue_StaleWithWaiterWakesIt(t *testing.T) {
	f := newQueueFixture(t, nil)
	r := f.add("a", 1)
	done, err := r.RegisterWaiter()
	require.NoError(t, err)

	require.True(t, f.q.RemoveAndMarkStale(r))
	<-done
	_, rerr := r.Result()
	require.True(t, errors.Is(rerr, ErrInvalidated))
	require.Zero(t, f.q.Stats().Stale)
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("")
	require.NoError(t, err)
	require.IsType(t, FIFO{}, p)

	p, err = PolicyByName("hottest")
	require.NoError(t, err)
	require.IsType(t, Hottest{}, p)

	_, err = PolicyByName("random")
	require.Error(t, err)
}
