// ABOUTME: Managed heap arena: allocation, field stores and the root set
// ABOUTME: The world lock gives the tracer and collector a consistent view

// Package heap implements an arena of managed objects together with the
// collection driver that reclaims them and routes finalizable objects to
// the finalization scheduler.
package heap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prateek/gcheap/alloc"
	"github.com/prateek/gcheap/finalize"
	"github.com/prateek/gcheap/gcerr"
	"github.com/prateek/gcheap/graph"
	"github.com/prateek/gcheap/layout"

	"go.uber.org/zap"
)

type object struct {
	id          graph.ObjID
	typ         layout.TypeDescriptor
	words       []uint64
	pointers    []bool // per word
	finalizable bool
	thread      alloc.ThreadID
}

func (o *object) slot(offset uint64) (int, error) {
	if offset%layout.WordSize != 0 || offset >= uint64(len(o.words))*layout.WordSize {
		return 0, gcerr.InvalidArgument("object %d (%s): offset %d is not a slot", o.id, o.typ.Name(), offset)
	}
	return int(offset / layout.WordSize), nil
}

// Heap is an arena of managed objects. Mutators may call any method
// concurrently; collections and referrer queries stop them for the
// duration of the walk.
type Heap struct {
	id         uuid.UUID
	logger     *zap.Logger
	limit      uint64
	accountant *alloc.Accountant
	finalizers *finalize.Scheduler
	onQueued   func(*finalize.Entry)

	// world is held exclusively while the heap graph is walked.
	world     sync.RWMutex
	objects   map[graph.ObjID]*object
	roots     []graph.ObjID
	nextID    graph.ObjID
	liveBytes uint64

	collectMu    sync.Mutex
	phase        atomic.Int32
	passes       atomic.Uint64
	freedObjects atomic.Uint64
	freedBytes   atomic.Uint64
}

// Option configures a Heap.
type Option func(*Heap)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Heap) {
		h.logger = logger
	}
}

// WithLimit bounds the live bytes of the heap. Zero means unlimited.
func WithLimit(bytes uint64) Option {
	return func(h *Heap) {
		h.limit = bytes
	}
}

// WithAccountant shares an allocation accountant between heaps.
func WithAccountant(a *alloc.Accountant) Option {
	return func(h *Heap) {
		h.accountant = a
	}
}

// WithQueuedHook installs a callback invoked after each collection for
// every object it queued for finalization. The hook runs after the world
// has been resumed and may use the heap.
func WithQueuedHook(fn func(*finalize.Entry)) Option {
	return func(h *Heap) {
		h.onQueued = fn
	}
}

// New creates a heap and starts its finalizer goroutine. Close must be
// called to stop it.
func New(opts ...Option) *Heap {
	registerMetrics()
	h := &Heap{
		id:      uuid.New(),
		logger:  zap.NewNop(),
		objects: make(map[graph.ObjID]*object),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.accountant == nil {
		h.accountant = alloc.NewAccountant()
	}
	h.logger = h.logger.With(zap.String("heap", h.id.String()))
	h.finalizers = finalize.NewScheduler(finalize.WithLogger(h.logger))
	// Start only fails on a second call.
	_ = h.finalizers.Start(context.Background())
	return h
}

// Close stops the finalizer goroutine. Queued finalizers that have not
// started are not run.
func (h *Heap) Close() {
	h.finalizers.Close()
}

// ID returns the unique identity of this heap instance.
func (h *Heap) ID() uuid.UUID { return h.id }

// Accountant returns the allocation accountant charged by Allocate.
func (h *Heap) Accountant() *alloc.Accountant { return h.accountant }

// GetAllocatedBytes returns the bytes allocated by thread.
func (h *Heap) GetAllocatedBytes(thread alloc.ThreadID) uint64 {
	return h.accountant.GetAllocatedBytes(thread)
}

// Allocate creates a zeroed object of type typ on behalf of thread. When a
// heap limit is configured and the object does not fit, a collection is
// run first; ErrOutOfMemory is returned if it still does not fit.
func (h *Heap) Allocate(thread alloc.ThreadID, typ layout.TypeDescriptor) (graph.ObjID, error) {
	if typ == nil {
		return graph.Nil, gcerr.InvalidArgument("type descriptor is nil")
	}
	size := typ.Size()
	if size == 0 || size%layout.WordSize != 0 {
		return graph.Nil, gcerr.InvalidArgument("type %q has invalid size %d", typ.Name(), size)
	}

	if h.limit > 0 && !h.fits(size) {
		h.logger.Debug("Heap limit reached, collecting", zap.Uint64("size", size))
		h.Collect()
	}

	h.world.Lock()
	if h.limit > 0 && h.liveBytes+size > h.limit {
		live := h.liveBytes
		h.world.Unlock()
		return graph.Nil, fmt.Errorf("%w: %d byte %s does not fit, %d of %d bytes live", gcerr.ErrOutOfMemory, size, typ.Name(), live, h.limit)
	}
	o := &object{
		id:       h.nextID,
		typ:      typ,
		words:    make([]uint64, size/layout.WordSize),
		pointers: make([]bool, size/layout.WordSize),
		thread:   thread,
	}
	for _, offset := range typ.PointerOffsets() {
		if offset%layout.WordSize == 0 && offset < size {
			o.pointers[offset/layout.WordSize] = true
		}
	}
	h.nextID++
	h.objects[o.id] = o
	h.liveBytes += size
	fn := typ.Finalizer()
	o.finalizable = fn != nil
	if o.finalizable {
		h.finalizers.Register(o.id, fn, typ.CriticalFinalizer())
	}
	h.world.Unlock()

	if err := h.accountant.RecordAllocation(thread, int64(size)); err != nil {
		return graph.Nil, err
	}
	return o.id, nil
}

func (h *Heap) fits(size uint64) bool {
	h.world.RLock()
	defer h.world.RUnlock()
	return h.liveBytes+size <= h.limit
}

// lookup returns a live object. The caller must hold the world lock.
func (h *Heap) lookup(id graph.ObjID) (*object, error) {
	if id == graph.Nil {
		return nil, gcerr.InvalidArgument("object handle is nil")
	}
	o, ok := h.objects[id]
	if !ok {
		return nil, gcerr.InvalidArgument("object %d is not live", id)
	}
	return o, nil
}

// IsLive reports whether id refers to an object that has not been freed.
func (h *Heap) IsLive(id graph.ObjID) bool {
	h.world.RLock()
	defer h.world.RUnlock()
	_, ok := h.objects[id]
	return ok
}

// TypeOf returns the type of a live object.
func (h *Heap) TypeOf(id graph.ObjID) (layout.TypeDescriptor, error) {
	h.world.RLock()
	defer h.world.RUnlock()
	o, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	return o.typ, nil
}

// SetRef stores target, which may be Nil, in the pointer slot at offset.
func (h *Heap) SetRef(id graph.ObjID, offset uint64, target graph.ObjID) error {
	h.world.Lock()
	defer h.world.Unlock()
	o, err := h.lookup(id)
	if err != nil {
		return err
	}
	i, err := o.slot(offset)
	if err != nil {
		return err
	}
	if !o.pointers[i] {
		return gcerr.InvalidArgument("object %d (%s): offset %d is not a pointer slot", id, o.typ.Name(), offset)
	}
	if target != graph.Nil {
		if _, err := h.lookup(target); err != nil {
			return err
		}
	}
	o.words[i] = uint64(target)
	return nil
}

// Ref loads the pointer slot at offset.
func (h *Heap) Ref(id graph.ObjID, offset uint64) (graph.ObjID, error) {
	h.world.RLock()
	defer h.world.RUnlock()
	o, err := h.lookup(id)
	if err != nil {
		return graph.Nil, err
	}
	i, err := o.slot(offset)
	if err != nil {
		return graph.Nil, err
	}
	if !o.pointers[i] {
		return graph.Nil, gcerr.InvalidArgument("object %d (%s): offset %d is not a pointer slot", id, o.typ.Name(), offset)
	}
	return graph.ObjID(o.words[i]), nil
}

// SetScalar stores a value in the non-pointer slot at offset.
func (h *Heap) SetScalar(id graph.ObjID, offset uint64, value uint64) error {
	h.world.Lock()
	defer h.world.Unlock()
	o, err := h.lookup(id)
	if err != nil {
		return err
	}
	i, err := o.slot(offset)
	if err != nil {
		return err
	}
	if o.pointers[i] {
		return gcerr.InvalidArgument("object %d (%s): offset %d is a pointer slot", id, o.typ.Name(), offset)
	}
	o.words[i] = value
	return nil
}

// Scalar loads the non-pointer slot at offset.
func (h *Heap) Scalar(id graph.ObjID, offset uint64) (uint64, error) {
	h.world.RLock()
	defer h.world.RUnlock()
	o, err := h.lookup(id)
	if err != nil {
		return 0, err
	}
	i, err := o.slot(offset)
	if err != nil {
		return 0, err
	}
	if o.pointers[i] {
		return 0, gcerr.InvalidArgument("object %d (%s): offset %d is a pointer slot", id, o.typ.Name(), offset)
	}
	return o.words[i], nil
}

// AddRoot appends a root slot holding target and returns its index.
func (h *Heap) AddRoot(target graph.ObjID) (int, error) {
	h.world.Lock()
	defer h.world.Unlock()
	if target != graph.Nil {
		if _, err := h.lookup(target); err != nil {
			return 0, err
		}
	}
	h.roots = append(h.roots, target)
	return len(h.roots) - 1, nil
}

// SetRoot overwrites root slot i. Storing Nil releases the root.
func (h *Heap) SetRoot(i int, target graph.ObjID) error {
	h.world.Lock()
	defer h.world.Unlock()
	if i < 0 || i >= len(h.roots) {
		return gcerr.InvalidArgument("root slot %d does not exist", i)
	}
	if target != graph.Nil {
		if _, err := h.lookup(target); err != nil {
			return err
		}
	}
	h.roots[i] = target
	return nil
}

// RemoveRoot clears root slot i.
func (h *Heap) RemoveRoot(i int) error {
	return h.SetRoot(i, graph.Nil)
}

// FinalizationState returns the finalization state of a finalizable
// object.
func (h *Heap) FinalizationState(id graph.ObjID) (finalize.State, error) {
	state, ok := h.finalizers.State(id)
	if !ok {
		return finalize.NotQueued, gcerr.InvalidArgument("object %d is not finalizable", id)
	}
	return state, nil
}

// SuppressFinalize prevents the finalizer of id from running.
func (h *Heap) SuppressFinalize(id graph.ObjID) error {
	if id == graph.Nil {
		return gcerr.InvalidArgument("object handle is nil")
	}
	h.finalizers.SuppressFinalize(id)
	return nil
}

// WaitForPendingFinalizers blocks until every finalizer queued before the
// call has completed. It does not time out. After Close, with finalizers
// still queued, it returns an error wrapping gcerr.ErrInvalidState at once.
func (h *Heap) WaitForPendingFinalizers() error {
	return h.finalizers.Wait(context.Background())
}

// WaitForPendingFinalizersContext is like WaitForPendingFinalizers but
// gives up when ctx is done.
func (h *Heap) WaitForPendingFinalizersContext(ctx context.Context) error {
	return h.finalizers.Wait(ctx)
}
