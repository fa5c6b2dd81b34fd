// ABOUTME: Core data types for the heap object graph view
// ABOUTME: Defines ObjID, Object, Ref, Roots and the Referrer record

package graph

import "math"

// ObjID is the identity of a managed object. IDs are allocated from 1;
// the zero value is the null handle.
type ObjID uint64

const (
	// Nil is the null object handle.
	Nil ObjID = 0

	// RootContainer is the synthetic referrer reported for references
	// held in the root set (stacks and statics) rather than in an object.
	RootContainer ObjID = math.MaxUint64
)

// Ref is a single pointer slot: the byte offset of the slot within its
// owner and the object it currently references.
type Ref struct {
	Offset uint64
	Target ObjID
}

// Object is a point-in-time view of a heap object
type Object struct {
	ID   ObjID  // Unique identifier
	Type string // Type name
	Size uint64 // Instance size in bytes
	Refs []Ref  // Non-nil pointer slots, ascending by offset
}

// Roots represents the root set as the slots of the root container
type Roots struct {
	Refs []Ref
}

// Targets returns the distinct root objects, in slot order.
func (r Roots) Targets() []ObjID {
	seen := make(map[ObjID]struct{}, len(r.Refs))
	ids := make([]ObjID, 0, len(r.Refs))
	for _, ref := range r.Refs {
		if ref.Target == Nil {
			continue
		}
		if _, ok := seen[ref.Target]; ok {
			continue
		}
		seen[ref.Target] = struct{}{}
		ids = append(ids, ref.Target)
	}
	return ids
}

// Referrer records one reference site holding a pointer to Target.
type Referrer struct {
	Target   ObjID
	Referrer ObjID  // Owning object, or RootContainer
	Offset   uint64 // Byte offset of the slot inside Referrer
}
