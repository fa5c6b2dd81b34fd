// Package finalize runs finalizers for objects the collector found
// unreachable. Finalizers execute one at a time on a dedicated goroutine,
// off the collector's critical path.
package finalize

import (
	"context"
	"fmt"
	"sync"

	"github.com/prateek/gcheap/gcerr"
	"github.com/prateek/gcheap/graph"

	"go.uber.org/zap"
)

// State is the finalization state of a finalizable object.
type State int

const (
	NotQueued State = iota
	Queued
	Finalized
	ReRegistered
)

func (s State) String() string {
	switch s {
	case NotQueued:
		return "NotQueued"
	case Queued:
		return "Queued"
	case Finalized:
		return "Finalized"
	case ReRegistered:
		return "ReRegistered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Finalizer is the cleanup routine of a finalizable object. Returning an
// error or panicking counts as an unhandled finalizer failure.
type Finalizer func(e *Entry) error

// Entry is a queued finalization of one object.
type Entry struct {
	Object   graph.ObjID
	Pass     uint64 // collection pass that enqueued the entry
	Critical bool

	seq       uint64
	fn        Finalizer
	scheduler *Scheduler

	// Guarded by scheduler.mu.
	running      bool
	reRegistered bool
	suppressed   bool
}

// ReRegister requests one more finalization of the entry's object. It is
// only valid while the entry's finalizer is executing.
func (e *Entry) ReRegister() error {
	return e.scheduler.ReRegister(e)
}

type record struct {
	fn       Finalizer
	critical bool
	state    State
	entry    *Entry
}

// Scheduler tracks finalizable objects and runs their finalizers.
type Scheduler struct {
	logger *zap.Logger

	mu       sync.Mutex
	records  map[graph.ObjID]*record
	ordinary []*Entry
	critical []*Entry
	pending  map[uint64]*Entry // queued or running, by sequence number
	nextSeq  uint64
	changed  chan struct{} // closed whenever an entry completes

	// runMu is held by whichever goroutine is running finalizers, so that
	// entries complete one at a time and in queue order.
	runMu sync.Mutex

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for finalizer diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates a scheduler. Finalizers only run once Start has
// been called or when RunPendingFinalizers is invoked directly.
func NewScheduler(opts ...Option) *Scheduler {
	registerMetrics()
	s := &Scheduler{
		logger:  zap.NewNop(),
		records: make(map[graph.ObjID]*record),
		pending: make(map[uint64]*Entry),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register records a newly allocated finalizable object. A nil finalizer
// leaves the object non-finalizable.
func (s *Scheduler) Register(id graph.ObjID, fn Finalizer, critical bool) {
	if fn == nil || id == graph.Nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &record{fn: fn, critical: critical, state: NotQueued}
}

// Forget drops all bookkeeping for a freed object.
func (s *Scheduler) Forget(id graph.ObjID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// State returns the finalization state of id. ok is false when the object
// is not finalizable.
func (s *Scheduler) State(id graph.ObjID) (state State, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return NotQueued, false
	}
	return r.state, true
}

// Enqueue queues the object for finalization in the given pass. It is
// silently ignored, returning nil, for non-finalizable objects and for
// objects that are already queued or finalized.
func (s *Scheduler) Enqueue(id graph.ObjID, pass uint64) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(id, pass)
}

// EnqueuePass queues every eligible object of a collection pass at once, so
// that the worker never observes a partially queued pass. Ineligible
// objects are skipped as by Enqueue.
func (s *Scheduler) EnqueuePass(pass uint64, ids []graph.ObjID) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*Entry
	for _, id := range ids {
		if e := s.enqueueLocked(id, pass); e != nil {
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *Scheduler) enqueueLocked(id graph.ObjID, pass uint64) *Entry {
	r, ok := s.records[id]
	if !ok || (r.state != NotQueued && r.state != ReRegistered) {
		return nil
	}
	e := &Entry{
		Object:    id,
		Pass:      pass,
		Critical:  r.critical,
		seq:       s.nextSeq,
		fn:        r.fn,
		scheduler: s,
	}
	s.nextSeq++
	r.state = Queued
	r.entry = e
	if e.Critical {
		s.critical = append(s.critical, e)
	} else {
		s.ordinary = append(s.ordinary, e)
	}
	s.pending[e.seq] = e
	finalizationQueueLength.Inc()
	return e
}

// QueuedObjects returns the objects whose finalizers have not completed.
// The collector treats them as roots.
func (s *Scheduler) QueuedObjects() []graph.ObjID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]graph.ObjID, 0, len(s.pending))
	for _, e := range s.pending {
		ids = append(ids, e.Object)
	}
	return ids
}

// Pending reports whether any finalizer has yet to complete.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// ReRegister marks e for one more finalization. The object becomes
// ReRegistered when its finalizer returns and is queued again by the next
// collection that finds it unreachable. Calling it more than once during
// the same execution has no further effect.
func (s *Scheduler) ReRegister(e *Entry) error {
	if e == nil {
		return gcerr.InvalidArgument("finalization entry is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.running {
		return gcerr.InvalidState("object %d: re-registration outside of its finalizer", e.Object)
	}
	e.reRegistered = true
	return nil
}

// SuppressFinalize prevents the object's finalizer from running. Objects
// that are not finalizable, or whose finalizer is already running, are
// left unchanged.
func (s *Scheduler) SuppressFinalize(id graph.ObjID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return
	}
	switch r.state {
	case NotQueued, ReRegistered:
		r.state = Finalized
	case Queued:
		if !r.entry.running {
			r.entry.suppressed = true
		}
	}
}

// next pops the next entry to run: ordinary entries first, then critical.
func (s *Scheduler) next() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var e *Entry
	switch {
	case len(s.ordinary) > 0:
		e, s.ordinary = s.ordinary[0], s.ordinary[1:]
	case len(s.critical) > 0:
		e, s.critical = s.critical[0], s.critical[1:]
	default:
		return nil
	}
	e.running = true
	return e
}

// RunPendingFinalizers runs every queued finalizer on the calling
// goroutine and returns the number of entries processed. It fails with
// ErrInvalidState while the goroutine launched by Start is running, or
// when finalizers are already being run, as from within a finalizer.
func (s *Scheduler) RunPendingFinalizers() (int, error) {
	s.mu.Lock()
	active := s.done != nil && !s.stopped
	s.mu.Unlock()
	if active {
		return 0, gcerr.InvalidState("finalizer goroutine is running")
	}
	if !s.runMu.TryLock() {
		return 0, gcerr.InvalidState("finalizers are already running")
	}
	defer s.runMu.Unlock()
	return s.drain(), nil
}

func (s *Scheduler) drain() int {
	count := 0
	for e := s.next(); e != nil; e = s.next() {
		s.invoke(e)
		count++
	}
	return count
}

func (s *Scheduler) invoke(e *Entry) {
	s.mu.Lock()
	suppressed := e.suppressed
	s.mu.Unlock()

	var err error
	panicked := false
	if !suppressed {
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					if rerr, ok := r.(error); ok {
						err = rerr
					} else {
						err = fmt.Errorf("%v", r)
					}
				}
			}()
			err = e.fn(e)
		}()
	}

	if err != nil {
		failure := &gcerr.FinalizerFailure{
			Object:   uint64(e.Object),
			Pass:     e.Pass,
			Cause:    err,
			Panicked: panicked,
		}
		s.logger.Warn("Finalizer failed",
			zap.Uint64("object", uint64(e.Object)),
			zap.Uint64("pass", e.Pass),
			zap.Bool("panicked", panicked),
			zap.Error(err))
		reportUnhandledFailure(failure)
	}

	outcome := "finalized"
	state := Finalized
	s.mu.Lock()
	switch {
	case suppressed:
		outcome = "suppressed"
	case err != nil:
		// Finalizers get one attempt; a failure overrides re-registration.
		outcome = "failed"
	case e.reRegistered:
		outcome = "reregistered"
		state = ReRegistered
	}
	e.running = false
	if r, ok := s.records[e.Object]; ok && r.entry == e {
		r.state = state
		r.entry = nil
	}
	delete(s.pending, e.seq)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	finalizersRunTotal.WithLabelValues(outcome).Inc()
	finalizationQueueLength.Dec()
	s.logger.Debug("Finalizer completed",
		zap.Uint64("object", uint64(e.Object)),
		zap.Uint64("pass", e.Pass),
		zap.String("outcome", outcome))
}

// Start launches the finalizer goroutine. It runs until ctx is cancelled
// or Close is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return gcerr.InvalidState("finalizer goroutine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.stopped = true
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()
	}()
	for {
		s.runMu.Lock()
		s.drain()
		s.runMu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// Notify wakes the finalizer goroutine.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the finalizer goroutine and waits for it to exit. Entries
// still queued are left pending.
func (s *Scheduler) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until every entry queued before the call has completed, or
// until ctx is done. It fails with ErrInvalidState when entries are still
// pending and no finalizer goroutine is running to complete them.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	target := s.nextSeq
	s.mu.Unlock()

	for {
		s.mu.Lock()
		outstanding := false
		for seq := range s.pending {
			if seq < target {
				outstanding = true
				break
			}
		}
		idle := s.done == nil || s.stopped
		changed := s.changed
		s.mu.Unlock()

		if !outstanding {
			return nil
		}
		if idle {
			return gcerr.InvalidState("finalizers pending but no finalizer goroutine is running")
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForPendingFinalizers blocks, without a timeout, until every entry
// queued before the call has completed.
func (s *Scheduler) WaitForPendingFinalizers() error {
	return s.Wait(context.Background())
}
