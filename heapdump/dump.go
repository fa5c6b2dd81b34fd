// ABOUTME: Dump document model shared by all parsers
// ABOUTME: Converts dumps to graph views, loads them into heaps and exports snapshots

// Package heapdump reads and writes heap dumps: a set of type layouts,
// the objects allocated from them and the root set. Dumps are used both as
// hand-written scenarios that are loaded into a live heap and as exported
// snapshots of one.
package heapdump

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/prateek/gcheap/alloc"
	"github.com/prateek/gcheap/finalize"
	"github.com/prateek/gcheap/gcerr"
	"github.com/prateek/gcheap/graph"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/layout"
)

// Dump is a heap dump document.
type Dump struct {
	HeapID  string        `json:"heap_id,omitempty" yaml:"heap_id,omitempty"`
	Types   []TypeSpec    `json:"types" yaml:"types"`
	Objects []ObjectSpec  `json:"objects" yaml:"objects"`
	Roots   []graph.ObjID `json:"roots" yaml:"roots"`
}

// TypeSpec describes a type layout. Finalizer names a finalizer supplied
// by the loader; an empty name declares no finalizer.
type TypeSpec struct {
	Name      string   `json:"name" yaml:"name"`
	Size      uint64   `json:"size" yaml:"size"`
	Pointers  []uint64 `json:"pointers,omitempty" yaml:"pointers,omitempty,flow"`
	Finalizer string   `json:"finalizer,omitempty" yaml:"finalizer,omitempty"`
	Critical  bool     `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// ObjectSpec describes one object. IDs are local to the dump.
type ObjectSpec struct {
	ID   graph.ObjID `json:"id" yaml:"id"`
	Type string      `json:"type" yaml:"type"`
	Refs []RefSpec   `json:"refs,omitempty" yaml:"refs,omitempty"`
}

type RefSpec struct {
	Offset uint64      `json:"offset" yaml:"offset"`
	Target graph.ObjID `json:"target" yaml:"target"`
}

// Validate checks that the dump is self-consistent: unique non-zero
// object IDs, known types, and references held in pointer slots of the
// referring type that point at objects of the dump.
func (d *Dump) Validate() error {
	types := make(map[string]*layout.Type, len(d.Types))
	for i, ts := range d.Types {
		if _, ok := types[ts.Name]; ok {
			return gcerr.InvalidArgument("type %q declared twice", ts.Name)
		}
		t, err := ts.layout(nil)
		if err != nil {
			return fmt.Errorf("type at index %d: %w", i, err)
		}
		types[ts.Name] = t
	}

	objects := make(map[graph.ObjID]*layout.Type, len(d.Objects))
	for i, obj := range d.Objects {
		if obj.ID == graph.Nil {
			return gcerr.InvalidArgument("object at index %d missing ID", i)
		}
		if _, ok := objects[obj.ID]; ok {
			return gcerr.InvalidArgument("object %d declared twice", obj.ID)
		}
		t, ok := types[obj.Type]
		if !ok {
			return gcerr.InvalidArgument("object %d has unknown type %q", obj.ID, obj.Type)
		}
		objects[obj.ID] = t
	}

	for _, obj := range d.Objects {
		t := objects[obj.ID]
		for _, ref := range obj.Refs {
			if !t.HasPointer(ref.Offset) {
				return gcerr.InvalidArgument("object %d: offset %d is not a pointer slot of %s", obj.ID, ref.Offset, t.Name())
			}
			if _, ok := objects[ref.Target]; !ok && ref.Target != graph.Nil {
				return gcerr.InvalidArgument("object %d: reference to unknown object %d", obj.ID, ref.Target)
			}
		}
	}
	for _, root := range d.Roots {
		if _, ok := objects[root]; !ok && root != graph.Nil {
			return gcerr.InvalidArgument("root references unknown object %d", root)
		}
	}
	return nil
}

func (ts TypeSpec) layout(finalizers map[string]finalize.Finalizer) (*layout.Type, error) {
	opts := []layout.Option{layout.WithPointers(ts.Pointers...)}
	if ts.Finalizer != "" && finalizers != nil {
		fn, ok := finalizers[ts.Finalizer]
		if !ok {
			return nil, gcerr.InvalidArgument("type %q: unknown finalizer %q", ts.Name, ts.Finalizer)
		}
		if ts.Critical {
			opts = append(opts, layout.WithCriticalFinalizer(fn))
		} else {
			opts = append(opts, layout.WithFinalizer(fn))
		}
		opts = append(opts, layout.WithFinalizerName(ts.Finalizer))
	}
	return layout.NewType(ts.Name, ts.Size, opts...)
}

// Graph returns the dump as a graph view without loading it into a heap.
// Sizes are the rounded instance sizes of the object types.
func (d *Dump) Graph() (*graph.MemGraph, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sizes := make(map[string]uint64, len(d.Types))
	for _, ts := range d.Types {
		t, err := ts.layout(nil)
		if err != nil {
			return nil, err
		}
		sizes[ts.Name] = t.Size()
	}

	g := graph.NewMemGraph()
	for _, obj := range d.Objects {
		g.AddObject(&graph.Object{
			ID:   obj.ID,
			Type: obj.Type,
			Size: sizes[obj.Type],
			Refs: obj.refs(),
		})
	}
	g.SetRoots(rootSlots(d.Roots))
	return g, nil
}

func (obj ObjectSpec) refs() []graph.Ref {
	var refs []graph.Ref
	for _, ref := range obj.Refs {
		if ref.Target != graph.Nil {
			refs = append(refs, graph.Ref{Offset: ref.Offset, Target: ref.Target})
		}
	}
	slices.SortFunc(refs, func(a, b graph.Ref) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return refs
}

func rootSlots(roots []graph.ObjID) graph.Roots {
	var r graph.Roots
	for i, id := range roots {
		if id != graph.Nil {
			r.Refs = append(r.Refs, graph.Ref{Offset: uint64(i) * layout.WordSize, Target: id})
		}
	}
	return r
}

// LoadOptions controls how a dump is materialized in a heap.
type LoadOptions struct {
	// Thread is charged for every allocation.
	Thread alloc.ThreadID
	// Finalizers resolves the finalizer names used by the dump's types.
	Finalizers map[string]finalize.Finalizer
}

// Load allocates the objects of d in h, wires their references and adds
// the dump's roots to the heap's root set, in order. Heap IDs differ from
// dump IDs; the returned map translates the latter into the former.
//
// When Load fails partway the root slots it added are cleared, so the
// objects allocated so far are released by the next collection.
func Load(d *Dump, h *heap.Heap, opts LoadOptions) (_ map[graph.ObjID]graph.ObjID, err error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	finalizers := opts.Finalizers
	if finalizers == nil {
		finalizers = map[string]finalize.Finalizer{}
	}
	types := layout.NewRegistry()
	for _, ts := range d.Types {
		t, err := ts.layout(finalizers)
		if err != nil {
			return nil, err
		}
		if err := types.Register(t); err != nil {
			return nil, err
		}
	}

	objects := slices.Clone(d.Objects)
	slices.SortFunc(objects, func(a, b ObjectSpec) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	// Roots go in first so that a collection triggered by the heap limit
	// while loading cannot free what the dump keeps alive.
	ids := make(map[graph.ObjID]graph.ObjID, len(objects))
	slots := make([]int, 0, len(objects)+len(d.Roots))
	defer func() {
		if err == nil {
			return
		}
		for _, slot := range slots {
			_ = h.SetRoot(slot, graph.Nil)
		}
	}()
	for _, obj := range objects {
		t, _ := types.Lookup(obj.Type)
		id, err := h.Allocate(opts.Thread, t)
		if err != nil {
			return nil, fmt.Errorf("allocating object %d: %w", obj.ID, err)
		}
		slot, err := h.AddRoot(id)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
		ids[obj.ID] = id
	}

	for _, obj := range objects {
		for _, ref := range obj.Refs {
			if err := h.SetRef(ids[obj.ID], ref.Offset, ids[ref.Target]); err != nil {
				return nil, fmt.Errorf("object %d: %w", obj.ID, err)
			}
		}
	}

	// Reuse the temporary slots for the dump's roots and release the rest.
	reused := len(slots)
	for _, root := range d.Roots[min(len(d.Roots), reused):] {
		slot, err := h.AddRoot(ids[root])
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	for i, slot := range slots[:reused] {
		target := graph.Nil
		if i < len(d.Roots) {
			target = ids[d.Roots[i]]
		}
		if err := h.SetRoot(slot, target); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// FromGraph exports a snapshot as a dump. Layouts come from the matching
// descriptor in types when one is given; the layout of any other type is
// reconstructed from its objects, its pointer slots being the offsets at
// which any instance held a reference. Roots keep their slot positions,
// with Nil in empty slots before the last occupied one.
func FromGraph(g graph.Graph, types ...layout.TypeDescriptor) *Dump {
	d := &Dump{HeapID: uuid.NewString()}
	descriptors := make(map[string]layout.TypeDescriptor, len(types))
	for _, td := range types {
		if _, ok := descriptors[td.Name()]; !ok {
			descriptors[td.Name()] = td
		}
	}

	specs := make(map[string]*TypeSpec)
	var names []string
	g.ForEachObject(func(obj *graph.Object) {
		ts, ok := specs[obj.Type]
		if !ok {
			ts = &TypeSpec{Name: obj.Type, Size: obj.Size}
			if td, ok := descriptors[obj.Type]; ok {
				ts = typeSpecOf(td)
			}
			specs[obj.Type] = ts
			names = append(names, obj.Type)
		}
		_, described := descriptors[obj.Type]
		spec := ObjectSpec{ID: obj.ID, Type: obj.Type}
		for _, ref := range obj.Refs {
			spec.Refs = append(spec.Refs, RefSpec{Offset: ref.Offset, Target: ref.Target})
			if !described && !slices.Contains(ts.Pointers, ref.Offset) {
				ts.Pointers = append(ts.Pointers, ref.Offset)
			}
		}
		d.Objects = append(d.Objects, spec)
	})
	slices.Sort(names)
	for _, name := range names {
		ts := specs[name]
		slices.Sort(ts.Pointers)
		d.Types = append(d.Types, *ts)
	}
	d.Roots = rootTargets(g.GetRoots())
	return d
}

func typeSpecOf(td layout.TypeDescriptor) *TypeSpec {
	ts := &TypeSpec{
		Name:     td.Name(),
		Size:     td.Size(),
		Pointers: slices.Clone(td.PointerOffsets()),
	}
	if td.Finalizer() != nil {
		if namer, ok := td.(layout.FinalizerNamer); ok {
			ts.Finalizer = namer.FinalizerName()
		}
		ts.Critical = ts.Finalizer != "" && td.CriticalFinalizer()
	}
	return ts
}

// rootTargets lays root references out by slot, the inverse of rootSlots.
// References whose offset is misaligned or names a slot already taken are
// appended after the last slot.
func rootTargets(roots graph.Roots) []graph.ObjID {
	var targets, extra []graph.ObjID
	for _, ref := range roots.Refs {
		if ref.Target == graph.Nil {
			continue
		}
		slot := int(ref.Offset / layout.WordSize)
		if ref.Offset%layout.WordSize != 0 || (slot < len(targets) && targets[slot] != graph.Nil) {
			extra = append(extra, ref.Target)
			continue
		}
		for len(targets) <= slot {
			targets = append(targets, graph.Nil)
		}
		targets[slot] = ref.Target
	}
	return append(targets, extra...)
}

// Snapshot exports the current state of h, including the finalizer names
// of types loaded with WithFinalizerName. The dump carries the heap's ID.
func Snapshot(h *heap.Heap) *Dump {
	g, types := h.SnapshotWithTypes()
	d := FromGraph(g, types...)
	d.HeapID = h.ID().String()
	return d
}
