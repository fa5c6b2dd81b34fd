// ABOUTME: Implements Lengauer-Tarjan algorithm for computing dominators in the object graph
// ABOUTME: A super-root (ID 0) points at every root object and dominates the graph

package graph

// superRoot is the synthetic entry node of the dominator computation. Nil
// is never a live object, so its ID is free for this purpose.
const superRoot = Nil

// Dominators computes the immediate dominator for each reachable object in the graph.
// Uses the Lengauer-Tarjan algorithm with path compression.
// Returns a map from object ID to its immediate dominator ID; objects
// dominated only by the super-root map to 0.
func Dominators(g Graph) map[ObjID]ObjID {
	adj := make(map[ObjID][]ObjID)
	preds := make(map[ObjID][]ObjID)
	addEdge := func(from, to ObjID) {
		adj[from] = append(adj[from], to)
		preds[to] = append(preds[to], from)
	}

	for _, id := range g.GetRoots().Targets() {
		addEdge(superRoot, id)
	}
	g.ForEachObject(func(obj *Object) {
		for _, ref := range obj.Refs {
			if g.GetObject(ref.Target) != nil {
				addEdge(obj.ID, ref.Target)
			}
		}
	})

	var dfsNum int
	vertex := make([]ObjID, 0, g.NumObjects()+1) // DFS number -> vertex ID
	parent := make(map[ObjID]int)                // vertex -> DFS number of parent in spanning tree
	dfnum := make(map[ObjID]int)                 // vertex -> DFS number
	semi := make(map[ObjID]int)                  // vertex -> DFS number of semidominator
	ancestor := make(map[ObjID]int)              // for link-eval forest
	idom := make(map[ObjID]ObjID)                // vertex -> immediate dominator
	samedom := make(map[ObjID]ObjID)
	best := make(map[ObjID]ObjID)
	bucket := make(map[int][]ObjID) // semidominator -> vertices

	// Iterative DFS; deep object chains would overflow a recursive one
	type frame struct {
		v    ObjID
		next int
	}
	visit := func(v ObjID, p int) {
		dfnum[v] = dfsNum
		vertex = append(vertex, v)
		parent[v] = p
		semi[v] = dfsNum
		ancestor[v] = -1
		best[v] = v
		samedom[v] = v
		dfsNum++
	}
	visit(superRoot, -1)
	stack := []frame{{v: superRoot}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(adj[top.v]) {
			stack = stack[:len(stack)-1]
			continue
		}
		w := adj[top.v][top.next]
		top.next++
		if _, visited := dfnum[w]; visited {
			continue
		}
		visit(w, dfnum[top.v])
		stack = append(stack, frame{v: w})
	}

	var compress func(v ObjID)
	compress = func(v ObjID) {
		ancID := vertex[ancestor[v]]
		if ancestor[ancID] != -1 {
			compress(ancID)
			if semi[best[ancID]] < semi[best[v]] {
				best[v] = best[ancID]
			}
			ancestor[v] = ancestor[ancID]
		}
	}

	eval := func(v ObjID) ObjID {
		if ancestor[v] == -1 {
			return v
		}
		compress(v)
		return best[v]
	}

	for i := dfsNum - 1; i > 0; i-- {
		w := vertex[i]

		// Semidominators
		for _, v := range preds[w] {
			vNum, reachable := dfnum[v]
			if !reachable {
				continue
			}
			u := v
			if vNum > dfnum[w] {
				u = eval(v)
			}
			if semi[u] < semi[w] {
				semi[w] = semi[u]
			}
		}

		bucket[semi[w]] = append(bucket[semi[w]], w)
		ancestor[w] = parent[w]

		// Implicit immediate dominators
		for _, v := range bucket[parent[w]] {
			u := eval(v)
			if semi[u] == semi[v] {
				idom[v] = vertex[parent[w]]
			} else {
				samedom[v] = u
			}
		}
		bucket[parent[w]] = nil
	}

	for i := 1; i < dfsNum; i++ {
		w := vertex[i]
		if samedom[w] != w {
			idom[w] = idom[samedom[w]]
		}
	}

	delete(idom, superRoot)

	return idom
}

// DominatorTree builds a tree structure from immediate dominators.
// Returns a map from each node to its list of immediately dominated nodes.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := make(map[ObjID][]ObjID)

	for node := range idom {
		tree[node] = []ObjID{}
	}
	tree[superRoot] = []ObjID{}

	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}

	return tree
}

// DominatorPath returns the chain of dominators from node up to, and
// excluding, the super-root. An unreachable node yields nil.
func DominatorPath(idom map[ObjID]ObjID, node ObjID) []ObjID {
	if _, ok := idom[node]; !ok {
		return nil
	}
	var path []ObjID
	for current := node; current != superRoot; current = idom[current] {
		path = append(path, current)
	}
	return path
}
