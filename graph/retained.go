// ABOUTME: Calculates retained memory sizes using dominator tree analysis
// ABOUTME: An object retains every object it dominates
package graph

// RetainedSize computes the retained size for each reachable object in the graph.
// The retained size of an object is the total size of all objects that would
// become unreachable if that object were removed.
// Returns a map from object ID to its retained size in bytes.
func RetainedSize(g Graph) map[ObjID]uint64 {
	return retainedSizes(g, nil)
}

// RetainedSizeSubsets computes retained sizes for the given objects only.
// Unreachable or unknown objects are omitted from the result.
func RetainedSizeSubsets(g Graph, targetIDs []ObjID) map[ObjID]uint64 {
	if len(targetIDs) == 0 {
		return make(map[ObjID]uint64)
	}
	return retainedSizes(g, targetIDs)
}

func retainedSizes(g Graph, targetIDs []ObjID) map[ObjID]uint64 {
	idom := Dominators(g)
	tree := DominatorTree(idom)

	objSizes := make(map[ObjID]uint64)
	g.ForEachObject(func(obj *Object) {
		objSizes[obj.ID] = obj.Size
	})

	computed := make(map[ObjID]uint64)

	var computeRetained func(ObjID) uint64
	computeRetained = func(nodeID ObjID) uint64 {
		if size, ok := computed[nodeID]; ok {
			return size
		}
		size := objSizes[nodeID]
		for _, child := range tree[nodeID] {
			size += computeRetained(child)
		}
		computed[nodeID] = size
		return size
	}

	result := make(map[ObjID]uint64)
	if targetIDs == nil {
		for nodeID := range idom {
			result[nodeID] = computeRetained(nodeID)
		}
		return result
	}
	for _, id := range targetIDs {
		if _, reachable := idom[id]; reachable {
			result[id] = computeRetained(id)
		}
	}
	return result
}
