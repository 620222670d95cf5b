package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrowthTarget(t *testing.T) {
	tests := []struct {
		name string
		in   sizing
		want int
	}{
		{
			name: "max caps the queue bound",
			in:   sizing{maxWorkers: 4, queueDepth: 10, tasksPerWorker: 2},
			want: 4,
		},
		{
			name: "queue bound",
			in:   sizing{maxWorkers: 8, queueDepth: 6, tasksPerWorker: 2},
			want: 3,
		},
		{
			name: "all bounds disabled",
			in:   sizing{maxWorkers: 5},
			want: 5,
		},
		{
			name: "memory bound",
			in:   sizing{maxWorkers: 8, queueDepth: 100, tasksPerWorker: 1, freeMemory: 3 << 20, memoryPerWorker: 1 << 20},
			want: 3,
		},
		{
			name: "code cache bound",
			in:   sizing{maxWorkers: 8, codeCacheHeadroom: 256 << 10, codeCachePerWorker: 128 << 10},
			want: 2,
		},
		{
			name: "negative headroom",
			in:   sizing{maxWorkers: 8, codeCacheHeadroom: -1, codeCachePerWorker: 1},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, growthTarget(tt.in))
		})
	}
}

func TestSlotPool_Ownership(t *testing.T) {
	s := newSlotPool(2)
	require.True(t, s.tryAcquire(0))
	require.True(t, s.tryAcquire(1))
	require.False(t, s.tryAcquire(2))
	require.Panics(t, func() { s.tryAcquire(1) })

	s.release(0)
	require.Equal(t, []int{1}, s.listAcquired())
	require.Panics(t, func() { s.release(0) })

	s.updateLimit(1)
	require.Equal(t, 1, s.capacity())
	require.False(t, s.tryAcquire(0))
	require.Equal(t, []int{1}, s.listAcquired())
}

func TestSlotAllocator_LowestFirst(t *testing.T) {
	a := newSlotAllocator()
	require.Equal(t, 0, a.alloc())
	require.Equal(t, 1, a.alloc())
	require.Equal(t, 2, a.alloc())

	a.release(1)
	require.Equal(t, 1, a.alloc())
	require.Equal(t, 3, a.alloc())
}
