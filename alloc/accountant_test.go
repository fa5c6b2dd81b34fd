package alloc_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/prateek/gcheap/alloc"
	"github.com/prateek/gcheap/gcerr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/seehuhn/mt19937"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const pointerSize = 8

func TestRecordAllocation(t *testing.T) {
	a := alloc.NewAccountant()

	require.NoError(t, a.RecordAllocation(1, 16))
	require.NoError(t, a.RecordAllocation(1, 24))
	require.NoError(t, a.RecordAllocation(2, 8))

	require.Equal(t, uint64(40), a.GetAllocatedBytes(1))
	require.Equal(t, uint64(8), a.GetAllocatedBytes(2))
	require.Equal(t, uint64(0), a.GetAllocatedBytes(3))
	require.Equal(t, uint64(48), a.Total())
	require.Equal(t, uint64(2), a.Thread(1).Allocations())
}

func TestRecordAllocationRejectsNonPositiveSizes(t *testing.T) {
	a := alloc.NewAccountant()

	require.ErrorIs(t, a.RecordAllocation(1, 0), gcerr.ErrInvalidArgument)
	require.ErrorIs(t, a.RecordAllocation(1, -8), gcerr.ErrInvalidArgument)
	require.ErrorIs(t, a.Thread(1).Add(0), gcerr.ErrInvalidArgument)
	require.Equal(t, uint64(0), a.GetAllocatedBytes(1))
}

func TestTerminateResetsCounter(t *testing.T) {
	a := alloc.NewAccountant()
	require.NoError(t, a.RecordAllocation(5, 64))

	a.Terminate(5)
	require.Equal(t, uint64(0), a.GetAllocatedBytes(5))

	require.NoError(t, a.RecordAllocation(5, 8))
	require.Equal(t, uint64(8), a.GetAllocatedBytes(5))
}

func TestAllocatedBytesIsExact(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ten million allocations in short mode")
	}

	// Four object shapes of 2, 4, 6 and 10 pointers, chosen at random
	// by a Mersenne Twister seeded with zero.
	shapes := []int64{2 * pointerSize, 4 * pointerSize, 6 * pointerSize, 10 * pointerSize}
	twister := mt19937.New()
	twister.Seed(0)
	rng := rand.New(twister)

	a := alloc.NewAccountant()
	counter := a.Thread(1)
	before := a.GetAllocatedBytes(1)

	var expected uint64
	for i := 0; i < 10_000_000; i++ {
		size := shapes[rng.Intn(len(shapes))]
		if err := counter.Add(size); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		expected += uint64(size)
	}

	require.Equal(t, expected, a.GetAllocatedBytes(1)-before)
	require.Equal(t, uint64(10_000_000), counter.Allocations())
}

func TestConcurrentThreadsAreIndependent(t *testing.T) {
	a := alloc.NewAccountant()

	var group errgroup.Group
	for thread := alloc.ThreadID(1); thread <= 8; thread++ {
		thread := thread
		group.Go(func() error {
			for i := 0; i < 100_000; i++ {
				if err := a.RecordAllocation(thread, int64(thread)*pointerSize); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	for thread := alloc.ThreadID(1); thread <= 8; thread++ {
		require.Equal(t, uint64(100_000)*uint64(thread)*pointerSize, a.GetAllocatedBytes(thread))
	}
}

func TestAccountantCollector(t *testing.T) {
	a := alloc.NewAccountant()
	require.NoError(t, a.RecordAllocation(7, 32))
	require.NoError(t, a.RecordAllocation(7, 32))

	expected := `
# HELP gcheap_alloc_thread_allocated_bytes_total Bytes allocated by a thread since it was first seen.
# TYPE gcheap_alloc_thread_allocated_bytes_total counter
gcheap_alloc_thread_allocated_bytes_total{thread="7"} 64
`
	require.NoError(t, testutil.CollectAndCompare(a, strings.NewReader(expected), "gcheap_alloc_thread_allocated_bytes_total"))
	require.Equal(t, 2, testutil.CollectAndCount(a))
}
