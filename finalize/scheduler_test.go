package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prateek/gcheap/gcerr"
	"github.com/prateek/gcheap/graph"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noop(*Entry) error { return nil }

// captureFailures installs a failure handler for the duration of the test.
func captureFailures(t *testing.T) func() []*gcerr.FinalizerFailure {
	var mu sync.Mutex
	var failures []*gcerr.FinalizerFailure
	previous := SetUnhandledFailureHandler(func(f *gcerr.FinalizerFailure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	})
	t.Cleanup(func() { SetUnhandledFailureHandler(previous) })
	return func() []*gcerr.FinalizerFailure {
		mu.Lock()
		defer mu.Unlock()
		return append([]*gcerr.FinalizerFailure(nil), failures...)
	}
}

func requireState(t *testing.T, s *Scheduler, id graph.ObjID, want State) {
	t.Helper()
	got, ok := s.State(id)
	require.True(t, ok, "object %d is not finalizable", id)
	require.Equal(t, want, got, "object %d", id)
}

// requireRan runs the queue on the test goroutine and checks how many
// entries were processed.
func requireRan(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	n, err := s.RunPendingFinalizers()
	require.NoError(t, err)
	require.Equal(t, want, n)
}

func TestSchedulerLifecycle(t *testing.T) {
	s := NewScheduler()
	calls := 0
	s.Register(1, func(e *Entry) error {
		calls++
		require.Equal(t, graph.ObjID(1), e.Object)
		require.Equal(t, uint64(7), e.Pass)
		return nil
	}, false)

	requireState(t, s, 1, NotQueued)
	require.False(t, s.Pending())

	e := s.Enqueue(1, 7)
	require.NotNil(t, e)
	requireState(t, s, 1, Queued)
	require.True(t, s.Pending())
	require.Equal(t, []graph.ObjID{1}, s.QueuedObjects())

	// Already queued.
	require.Nil(t, s.Enqueue(1, 8))

	requireRan(t, s, 1)
	require.Equal(t, 1, calls)
	requireState(t, s, 1, Finalized)
	require.False(t, s.Pending())

	// Finalized objects are never queued again without re-registration.
	require.Nil(t, s.Enqueue(1, 9))
	requireRan(t, s, 0)
	require.Equal(t, 1, calls)

	s.Forget(1)
	_, ok := s.State(1)
	require.False(t, ok)
}

func TestSchedulerIgnoresNonFinalizable(t *testing.T) {
	s := NewScheduler()
	s.Register(2, nil, false)

	require.Nil(t, s.Enqueue(2, 1))
	require.Nil(t, s.Enqueue(3, 1))
	_, ok := s.State(2)
	require.False(t, ok)
}

func TestReRegister(t *testing.T) {
	t.Run("OutsideFinalizer", func(t *testing.T) {
		s := NewScheduler()
		s.Register(1, noop, false)
		e := s.Enqueue(1, 1)
		require.ErrorIs(t, e.ReRegister(), gcerr.ErrInvalidState)
		require.ErrorIs(t, s.ReRegister(nil), gcerr.ErrInvalidArgument)
	})

	t.Run("OncePerRequest", func(t *testing.T) {
		s := NewScheduler()
		calls := 0
		s.Register(1, func(e *Entry) error {
			calls++
			if calls == 1 {
				// A second request in the same execution is not a
				// second pass.
				require.NoError(t, e.ReRegister())
				require.NoError(t, e.ReRegister())
			}
			return nil
		}, false)

		require.NotNil(t, s.Enqueue(1, 1))
		requireRan(t, s, 1)
		requireState(t, s, 1, ReRegistered)

		// Not run again until queued by a later pass.
		requireRan(t, s, 0)
		require.Equal(t, 1, calls)

		require.NotNil(t, s.Enqueue(1, 2))
		requireRan(t, s, 1)
		require.Equal(t, 2, calls)
		requireState(t, s, 1, Finalized)

		require.Nil(t, s.Enqueue(1, 3))
		requireRan(t, s, 0)
		require.Equal(t, 2, calls)
	})
}

func TestCriticalFinalizersRunLast(t *testing.T) {
	s := NewScheduler()
	var order []graph.ObjID
	record := func(e *Entry) error {
		order = append(order, e.Object)
		return nil
	}
	s.Register(1, record, true)
	s.Register(2, record, false)
	s.Register(3, record, true)
	s.Register(4, record, false)

	for id := graph.ObjID(1); id <= 4; id++ {
		require.NotNil(t, s.Enqueue(id, 1))
	}
	requireRan(t, s, 4)
	require.Equal(t, []graph.ObjID{2, 4, 1, 3}, order)
}

func TestFinalizerFailures(t *testing.T) {
	failures := captureFailures(t)
	failedBefore := testutil.ToFloat64(finalizersRunTotal.WithLabelValues("failed"))

	s := NewScheduler()
	boom := errors.New("boom")
	ran := false
	s.Register(1, func(e *Entry) error {
		require.NoError(t, e.ReRegister())
		return boom
	}, false)
	s.Register(2, func(*Entry) error {
		panic("finalizer panicked")
	}, false)
	s.Register(3, func(*Entry) error {
		ran = true
		return nil
	}, false)

	for id := graph.ObjID(1); id <= 3; id++ {
		require.NotNil(t, s.Enqueue(id, 4))
	}
	requireRan(t, s, 3)

	// The failing entries are finalized regardless of re-registration and
	// the remaining finalizers still run.
	require.True(t, ran)
	requireState(t, s, 1, Finalized)
	requireState(t, s, 2, Finalized)
	requireState(t, s, 3, Finalized)

	got := failures()
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Object)
	require.Equal(t, uint64(4), got[0].Pass)
	require.ErrorIs(t, got[0], boom)
	require.False(t, got[0].Panicked)
	require.Equal(t, uint64(2), got[1].Object)
	require.True(t, got[1].Panicked)
	require.Contains(t, got[1].Error(), "finalizer panicked")

	require.Equal(t, failedBefore+2, testutil.ToFloat64(finalizersRunTotal.WithLabelValues("failed")))
}

func TestSuppressFinalize(t *testing.T) {
	s := NewScheduler()
	calls := 0
	count := func(*Entry) error {
		calls++
		return nil
	}
	s.Register(1, count, false)
	s.Register(2, count, false)

	s.SuppressFinalize(1)
	requireState(t, s, 1, Finalized)
	require.Nil(t, s.Enqueue(1, 1))

	require.NotNil(t, s.Enqueue(2, 1))
	s.SuppressFinalize(2)
	requireRan(t, s, 1)
	require.Equal(t, 0, calls)
	requireState(t, s, 2, Finalized)

	// Unknown objects are ignored.
	s.SuppressFinalize(99)
}

func TestWorker(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	require.ErrorIs(t, s.Start(context.Background()), gcerr.ErrInvalidState)

	var mu sync.Mutex
	var ran []graph.ObjID
	for id := graph.ObjID(1); id <= 10; id++ {
		s.Register(id, func(e *Entry) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, e.Object)
			return nil
		}, false)
		require.NotNil(t, s.Enqueue(id, 1))
	}
	s.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ran, 10)
	require.False(t, s.Pending())
}

func TestRunPendingFinalizersExclusive(t *testing.T) {
	s := NewScheduler()

	// Running the queue from inside a finalizer is refused.
	var nested error
	s.Register(1, func(*Entry) error {
		_, nested = s.RunPendingFinalizers()
		return nil
	}, false)
	require.NotNil(t, s.Enqueue(1, 1))
	requireRan(t, s, 1)
	require.ErrorIs(t, nested, gcerr.ErrInvalidState)

	// So is running it beside the finalizer goroutine, which stays the
	// only goroutine executing finalizers.
	release := make(chan struct{})
	started := make(chan struct{})
	s.Register(2, func(*Entry) error {
		close(started)
		<-release
		return nil
	}, false)
	s.Register(3, noop, false)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.NotNil(t, s.Enqueue(2, 2))
	require.NotNil(t, s.Enqueue(3, 2))
	s.Notify()
	<-started
	n, err := s.RunPendingFinalizers()
	require.ErrorIs(t, err, gcerr.ErrInvalidState)
	require.Equal(t, 0, n)
	requireState(t, s, 3, Queued)

	close(release)
	require.NoError(t, s.WaitForPendingFinalizers())
	requireState(t, s, 3, Finalized)

	// Once the goroutine has stopped the queue can be run directly again.
	s.Close()
	s.Register(4, noop, false)
	require.NotNil(t, s.Enqueue(4, 3))
	requireRan(t, s, 1)
}

func TestWaitOnlyCoversEarlierEntries(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	release := make(chan struct{})
	s.Register(1, func(*Entry) error { return nil }, false)
	s.Register(2, func(*Entry) error {
		<-release
		return nil
	}, false)

	require.NotNil(t, s.Enqueue(1, 1))
	s.Notify()
	require.NoError(t, s.WaitForPendingFinalizers())

	// An entry blocked in its finalizer keeps a bounded wait from
	// returning.
	require.NotNil(t, s.Enqueue(2, 2))
	s.Notify()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.WaitForPendingFinalizers())
}

func TestWaitWithoutWorker(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.WaitForPendingFinalizers())

	s.Register(1, noop, false)
	require.NotNil(t, s.Enqueue(1, 1))
	require.ErrorIs(t, s.WaitForPendingFinalizers(), gcerr.ErrInvalidState)

	requireRan(t, s, 1)
	require.NoError(t, s.WaitForPendingFinalizers())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "NotQueued", NotQueued.String())
	require.Equal(t, "Queued", Queued.String())
	require.Equal(t, "Finalized", Finalized.String())
	require.Equal(t, "ReRegistered", ReRegistered.String())
	require.Equal(t, "State(9)", State(9).String())
}

func TestEnqueuePass(t *testing.T) {
	s := NewScheduler()
	s.Register(1, noop, true)
	s.Register(2, noop, false)
	s.Register(4, noop, false)

	entries := s.EnqueuePass(3, []graph.ObjID{1, 2, 3, 4})
	require.Len(t, entries, 3)
	for i, id := range []graph.ObjID{1, 2, 4} {
		require.Equal(t, id, entries[i].Object)
		require.Equal(t, uint64(3), entries[i].Pass)
	}
	require.True(t, entries[0].Critical)

	// Already queued.
	require.Empty(t, s.EnqueuePass(4, []graph.ObjID{1, 2}))
	requireRan(t, s, 3)
}
