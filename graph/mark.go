// ABOUTME: Reachability marking from the root set
// ABOUTME: Worklist-based mark used by the collection driver

package graph

// Mark returns the set of objects reachable from the root set of g and
// from the extra roots. Extra roots that are not live in g are ignored.
func Mark(g Graph, extra ...ObjID) map[ObjID]struct{} {
	marked := make(map[ObjID]struct{}, g.NumObjects())

	var scanList []ObjID
	markRoot := func(id ObjID) {
		if id == Nil {
			return
		}
		if _, ok := marked[id]; ok {
			return
		}
		if g.GetObject(id) == nil {
			return
		}
		marked[id] = struct{}{}
		scanList = append(scanList, id)
	}

	for _, ref := range g.GetRoots().Refs {
		markRoot(ref.Target)
	}
	for _, id := range extra {
		markRoot(id)
	}

	for len(scanList) > 0 {
		id := scanList[len(scanList)-1]
		scanList = scanList[:len(scanList)-1]
		for _, ref := range g.GetObject(id).Refs {
			markRoot(ref.Target)
		}
	}

	return marked
}

// MarkFrom extends an existing marked set with everything reachable from
// ids, returning the newly marked objects.
func MarkFrom(g Graph, marked map[ObjID]struct{}, ids ...ObjID) []ObjID {
	var added []ObjID
	scanList := append([]ObjID(nil), ids...)
	for len(scanList) > 0 {
		id := scanList[len(scanList)-1]
		scanList = scanList[:len(scanList)-1]
		if _, ok := marked[id]; ok {
			continue
		}
		obj := g.GetObject(id)
		if obj == nil {
			continue
		}
		marked[id] = struct{}{}
		added = append(added, id)
		for _, ref := range obj.Refs {
			scanList = append(scanList, ref.Target)
		}
	}
	return added
}
