// ABOUTME: BFS algorithm for finding paths from objects to root objects
// ABOUTME: Implements K-shortest paths with cycle detection

package graph

// Path represents a path from an object to a root
type Path struct {
	IDs []ObjID // Sequence of object IDs from target to root object
}

// PathsToRoots finds up to maxPaths paths from an object to root objects
// (objects referenced directly by a root slot) using BFS
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 || from == Nil {
		return nil
	}

	reverse := BuildReverseEdges(g)

	rootSet := make(map[ObjID]bool)
	for _, id := range g.GetRoots().Targets() {
		rootSet[id] = true
	}

	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	type searchNode struct {
		id   ObjID
		path []ObjID
	}

	var result []Path
	queue := []searchNode{{id: from, path: []ObjID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]

		// Several slots of one referrer produce a single hop
		seen := make(map[ObjID]bool)
		for _, site := range reverse[node.id] {
			referrerID := site.Referrer
			if referrerID == RootContainer || seen[referrerID] {
				continue
			}
			seen[referrerID] = true

			inPath := false
			for _, id := range node.path {
				if id == referrerID {
					inPath = true
					break
				}
			}
			if inPath {
				continue
			}

			newPath := make([]ObjID, len(node.path)+1)
			copy(newPath, node.path)
			newPath[len(node.path)] = referrerID

			if rootSet[referrerID] {
				result = append(result, Path{IDs: newPath})
				if len(result) >= maxPaths {
					break
				}
			} else {
				queue = append(queue, searchNode{
					id:   referrerID,
					path: newPath,
				})
			}
		}
	}

	return result
}
