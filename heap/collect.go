// ABOUTME: Collection driver: stop-the-world mark, sweep and finalizer routing
// ABOUTME: Also serves referrer queries and snapshots from the stopped world

package heap

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/prateek/gcheap/graph"
	"github.com/prateek/gcheap/layout"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is the state of the collection driver.
type Phase int32

const (
	Idle Phase = iota
	Marking
	Sweeping
	FinalizationPending
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Marking:
		return "Marking"
	case Sweeping:
		return "Sweeping"
	case FinalizationPending:
		return "FinalizationPending"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Phase returns the current phase. Between collections the heap reports
// FinalizationPending while any queued finalizer has yet to complete.
func (h *Heap) Phase() Phase {
	p := Phase(h.phase.Load())
	if p != Idle {
		return p
	}
	if h.finalizers.Pending() {
		return FinalizationPending
	}
	return Idle
}

// view exposes the arena as a graph.Graph. It must only be used while the
// world lock is held.
type view struct {
	h *Heap
}

func (v view) GetObject(id graph.ObjID) *graph.Object {
	o, ok := v.h.objects[id]
	if !ok {
		return nil
	}
	obj := &graph.Object{
		ID:   o.id,
		Type: o.typ.Name(),
		Size: o.typ.Size(),
	}
	for i, isPtr := range o.pointers {
		if isPtr && o.words[i] != 0 {
			obj.Refs = append(obj.Refs, graph.Ref{
				Offset: uint64(i) * layout.WordSize,
				Target: graph.ObjID(o.words[i]),
			})
		}
	}
	return obj
}

func (v view) NumObjects() int {
	return len(v.h.objects)
}

func (v view) ForEachObject(fn func(*graph.Object)) {
	for _, id := range v.ids() {
		fn(v.GetObject(id))
	}
}

func (v view) ids() []graph.ObjID {
	ids := make([]graph.ObjID, 0, len(v.h.objects))
	for id := range v.h.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (v view) GetRoots() graph.Roots {
	var roots graph.Roots
	for i, id := range v.h.roots {
		if id != graph.Nil {
			roots.Refs = append(roots.Refs, graph.Ref{
				Offset: uint64(i) * layout.WordSize,
				Target: id,
			})
		}
	}
	return roots
}

// CollectionResult summarizes one collection pass.
type CollectionResult struct {
	Pass       uint64
	Marked     int // objects reachable from the roots or the finalization queue
	Queued     int // objects newly queued for finalization
	Freed      int
	FreedBytes uint64
	Duration   time.Duration
}

// Collect runs a full collection. The world is stopped while reachable
// objects are marked and unreachable ones are classified. Unreachable
// finalizable objects that are not yet finalized are queued together with
// everything they reference; all other unreachable objects are freed.
// Finalizers run asynchronously after Collect returns.
func (h *Heap) Collect() CollectionResult {
	h.collectMu.Lock()
	defer h.collectMu.Unlock()

	start := time.Now()
	h.world.Lock()
	pass := h.passes.Add(1)
	v := view{h: h}

	h.phase.Store(int32(Marking))
	// Objects waiting for their finalizer stay alive, as does everything
	// they reference.
	marked := graph.Mark(v, h.finalizers.QueuedObjects()...)
	result := CollectionResult{Pass: pass, Marked: len(marked)}

	h.phase.Store(int32(Sweeping))
	var unreachable []graph.ObjID
	for _, id := range v.ids() {
		if _, ok := marked[id]; !ok {
			unreachable = append(unreachable, id)
		}
	}

	var finalizable []graph.ObjID
	for _, id := range unreachable {
		if h.objects[id].finalizable {
			finalizable = append(finalizable, id)
		}
	}
	queued := h.finalizers.EnqueuePass(pass, finalizable)
	resurrected := make([]graph.ObjID, len(queued))
	for i, e := range queued {
		resurrected[i] = e.Object
	}
	graph.MarkFrom(v, marked, resurrected...)

	for _, id := range unreachable {
		if _, ok := marked[id]; ok {
			continue
		}
		o := h.objects[id]
		size := o.typ.Size()
		delete(h.objects, id)
		h.liveBytes -= size
		if o.finalizable {
			h.finalizers.Forget(id)
		}
		result.Freed++
		result.FreedBytes += size
	}
	live := h.liveBytes
	h.phase.Store(int32(Idle))
	h.world.Unlock()

	result.Queued = len(queued)
	result.Duration = time.Since(start)
	h.freedObjects.Add(uint64(result.Freed))
	h.freedBytes.Add(result.FreedBytes)

	collectionsTotal.Inc()
	objectsFreedTotal.Add(float64(result.Freed))
	bytesFreedTotal.Add(float64(result.FreedBytes))
	collectionDurationSeconds.Observe(result.Duration.Seconds())
	h.logger.Debug("Collection finished",
		zap.Uint64("pass", pass),
		zap.Int("marked", result.Marked),
		zap.Int("queued", result.Queued),
		zap.Int("freed", result.Freed),
		zap.Stringer("freed_bytes", bytesize.New(float64(result.FreedBytes))),
		zap.Stringer("live_bytes", bytesize.New(float64(live))),
		zap.Duration("duration", result.Duration))

	if len(queued) > 0 {
		if h.onQueued != nil {
			for _, e := range queued {
				h.onQueued(e)
			}
		}
		h.finalizers.Notify()
	}
	return result
}

// FindReferrers returns every reference site holding target, including
// root slots, which are reported with graph.RootContainer as referrer.
// Mutators are stopped for the duration of the walk.
func (h *Heap) FindReferrers(target graph.ObjID) ([]graph.Referrer, error) {
	h.world.Lock()
	defer h.world.Unlock()
	if _, err := h.lookup(target); err != nil {
		return nil, err
	}
	return graph.FindReferrers(view{h: h}, target)
}

// FindReferrersAll answers several referrer queries against a single
// stopped-world view, walking the heap for each target in parallel.
func (h *Heap) FindReferrersAll(ctx context.Context, targets []graph.ObjID) (map[graph.ObjID][]graph.Referrer, error) {
	h.world.Lock()
	defer h.world.Unlock()
	for _, target := range targets {
		if _, err := h.lookup(target); err != nil {
			return nil, err
		}
	}

	// Objects are converted once so that the parallel walks only read.
	snapshot := h.snapshotLocked()
	results := make([][]graph.Referrer, len(targets))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.GOMAXPROCS(0))
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			records, err := graph.FindReferrers(snapshot, target)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	byTarget := make(map[graph.ObjID][]graph.Referrer, len(targets))
	for i, target := range targets {
		byTarget[target] = results[i]
	}
	return byTarget, nil
}

// Snapshot copies the current object graph.
func (h *Heap) Snapshot() *graph.MemGraph {
	h.world.Lock()
	defer h.world.Unlock()
	return h.snapshotLocked()
}

// SnapshotWithTypes is like Snapshot but also returns the descriptors of
// the types the copied objects were allocated from, sorted by name. Both
// come from the same stopped-world view.
func (h *Heap) SnapshotWithTypes() (*graph.MemGraph, []layout.TypeDescriptor) {
	h.world.Lock()
	defer h.world.Unlock()
	seen := make(map[string]bool)
	var types []layout.TypeDescriptor
	for _, o := range h.objects {
		if name := o.typ.Name(); !seen[name] {
			seen[name] = true
			types = append(types, o.typ)
		}
	}
	slices.SortFunc(types, func(a, b layout.TypeDescriptor) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return h.snapshotLocked(), types
}

func (h *Heap) snapshotLocked() *graph.MemGraph {
	v := view{h: h}
	g := graph.NewMemGraph()
	v.ForEachObject(g.AddObject)
	g.SetRoots(v.GetRoots())
	return g
}

// Stats describes the heap at one point in time.
type Stats struct {
	LiveObjects       int
	LiveBytes         uint64
	Collections       uint64
	FreedObjects      uint64
	FreedBytes        uint64
	TotalAllocated    uint64
	PendingFinalizers bool
}

func (s Stats) String() string {
	return fmt.Sprintf("%d live objects (%s), %d collections, %d objects freed (%s), %s allocated",
		s.LiveObjects,
		bytesize.New(float64(s.LiveBytes)),
		s.Collections,
		s.FreedObjects,
		bytesize.New(float64(s.FreedBytes)),
		bytesize.New(float64(s.TotalAllocated)))
}

func (h *Heap) Stats() Stats {
	h.world.RLock()
	s := Stats{
		LiveObjects: len(h.objects),
		LiveBytes:   h.liveBytes,
	}
	h.world.RUnlock()
	s.Collections = h.passes.Load()
	s.FreedObjects = h.freedObjects.Load()
	s.FreedBytes = h.freedBytes.Load()
	s.TotalAllocated = h.accountant.Total()
	s.PendingFinalizers = h.finalizers.Pending()
	return s
}
