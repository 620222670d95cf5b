package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edirooss/compilebroker/internal/broker"
)

func ev(tier string, id uint64) broker.CompileEvent {
	return broker.CompileEvent{Tier: tier, CompileID: id, Method: broker.MethodID(fmt.Sprint("m", id))}
}

func ids(evs []broker.CompileEvent) []uint64 {
	out := make([]uint64, len(evs))
	for i, e := range evs {
		out[i] = e.CompileID
	}
	return out
}

func TestRing_NewestFirst(t *testing.T) {
	r := newRing(4)
	require.Nil(t, r.Read(10))

	for i := uint64(1); i <= 3; i++ {
		r.Append(ev("baseline", i))
	}
	require.Equal(t, []uint64{3, 2, 1}, ids(r.Read(0)))
	require.Equal(t, []uint64{3, 2}, ids(r.Read(2)))
}

func TestRing_Wraps(t *testing.T) {
	r := newRing(3)
	for i := uint64(1); i <= 7; i++ {
		r.Append(ev("baseline", i))
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, []uint64{7, 6, 5}, ids(r.Read(10)))
}

func TestRing_DefaultCapacity(t *testing.T) {
	require.Len(t, newRing(0).entries, DefaultCapacity)
}

func TestManager_PerTier(t *testing.T) {
	m := NewManager(10)
	require.Nil(t, m.Recent("baseline", 5))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tier := "baseline"
			if i%2 == 1 {
				tier = "optimizing"
			}
			m.Record(ev(tier, uint64(i)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, 4, m.Count("baseline"))
	require.Equal(t, 4, m.Count("optimizing"))
	require.Len(t, m.Recent("optimizing", 2), 2)
	require.Zero(t, m.Count("other"))
}
