// ABOUTME: Referring-object queries over a heap graph snapshot
// ABOUTME: Reports every object slot and root slot that holds a given object

package graph

import "github.com/prateek/gcheap/gcerr"

// FindReferrers returns one record for every reference site holding a
// pointer to target: each pointer slot of every object in g, followed by
// each root slot. Two slots of the same referrer yield two records.
//
// Records are ordered by referrer ID and then by offset, with root slots
// last, so the result is stable for an unchanged graph. The caller is
// responsible for g not changing during the walk.
func FindReferrers(g Graph, target ObjID) ([]Referrer, error) {
	if target == Nil {
		return nil, gcerr.InvalidArgument("referrer query target is nil")
	}

	var records []Referrer
	g.ForEachObject(func(obj *Object) {
		for _, ref := range obj.Refs {
			if ref.Target == target {
				records = append(records, Referrer{
					Target:   target,
					Referrer: obj.ID,
					Offset:   ref.Offset,
				})
			}
		}
	})

	for _, ref := range g.GetRoots().Refs {
		if ref.Target == target {
			records = append(records, Referrer{
				Target:   target,
				Referrer: RootContainer,
				Offset:   ref.Offset,
			})
		}
	}

	return records, nil
}
