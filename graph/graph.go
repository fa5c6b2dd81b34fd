// ABOUTME: Graph interface and in-memory implementation
// ABOUTME: Provides methods for storing and querying heap object graph snapshots

package graph

import (
	"slices"
	"sync"
)

// Graph is a read-only view of a heap object graph. Implementations must
// present a consistent snapshot for the duration of each call.
type Graph interface {
	// GetObject retrieves an object by ID, or nil if it is not live
	GetObject(id ObjID) *Object

	// NumObjects returns the total number of live objects
	NumObjects() int

	// ForEachObject iterates over all objects in ascending ID order
	ForEachObject(fn func(*Object))

	// GetRoots returns the root set
	GetRoots() Roots
}

// MemGraph is an in-memory implementation of Graph. Heap snapshots and
// loaded dumps are represented as MemGraphs.
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	roots   Roots
}

// NewMemGraph creates a new in-memory graph
func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
	}
}

// AddObject adds an object to the graph, replacing any object with the same ID
func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[obj.ID] = obj
}

// GetObject retrieves an object by ID
func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

// NumObjects returns the total number of objects
func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

// ForEachObject iterates over all objects in ascending ID order
func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]ObjID, 0, len(g.objects))
	for id := range g.objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn(g.objects[id])
	}
}

// SetRoots sets the root set
func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

// GetRoots returns the root set
func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}
