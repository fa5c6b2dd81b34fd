// ABOUTME: Builds reverse edges for graph traversal
// ABOUTME: Maps objects to the objects and root slots that point to them

package graph

// ReverseEdges maps each object to the reference sites that point to it
type ReverseEdges map[ObjID][]Referrer

// BuildReverseEdges creates a map of reverse edges, including edges from
// the root container
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)

	g.ForEachObject(func(obj *Object) {
		for _, ref := range obj.Refs {
			reverse[ref.Target] = append(reverse[ref.Target], Referrer{
				Target:   ref.Target,
				Referrer: obj.ID,
				Offset:   ref.Offset,
			})
		}
	})
	for _, ref := range g.GetRoots().Refs {
		if ref.Target == Nil {
			continue
		}
		reverse[ref.Target] = append(reverse[ref.Target], Referrer{
			Target:   ref.Target,
			Referrer: RootContainer,
			Offset:   ref.Offset,
		})
	}

	return reverse
}

// Count returns the number of reference sites pointing to id
func (r ReverseEdges) Count(id ObjID) int {
	return len(r[id])
}
