package element

import (
	"strings"
)

// ReferenceKind distinguishes structural ownership from plain reachability.
type ReferenceKind int

const (
	// ReferenceChild is an owning edge; the target's parent is the source.
	ReferenceChild ReferenceKind = iota
	// ReferenceLink is a non-owning edge that only makes the target reachable.
	ReferenceLink
)

// String returns the kind name
func (k ReferenceKind) String() string {
	switch k {
	case ReferenceChild:
		return "child"
	case ReferenceLink:
		return "link"
	default:
		return "unknown"
	}
}

// Direction tells whether a reference is stored on its source or its target.
type Direction int

const (
	// Forward references live on the source node.
	Forward Direction = iota
	// Inverse references live on the target node and point back at the source.
	Inverse
)

// Reference is a directed edge between two elements.
type Reference struct {
	ID        string
	Source    Element
	Target    Element
	Kind      ReferenceKind
	Direction Direction
}

// references is the per-node edge table. It is guarded by the owning node's lock.
type references struct {
	forward []Reference
	inverse []Reference
}

func (r *references) findForward(id string) (int, bool) {
	for i, ref := range r.forward {
		if strings.EqualFold(ref.ID, id) {
			return i, true
		}
	}
	return -1, false
}

func (r *references) addForward(ref Reference) bool {
	if _, exists := r.findForward(ref.ID); exists {
		return false
	}
	ref.Direction = Forward
	r.forward = append(r.forward, ref)
	return true
}

func (r *references) addInverse(ref Reference) {
	ref.Direction = Inverse
	ref.Kind = ReferenceChild
	r.inverse = append(r.inverse, ref)
}

func (r *references) removeForward(id string) (Reference, bool) {
	i, ok := r.findForward(id)
	if !ok {
		return Reference{}, false
	}
	ref := r.forward[i]
	r.forward = release(append(r.forward[:i], r.forward[i+1:]...))
	return ref, true
}

func (r *references) removeInverse(id string, source Element) bool {
	for i, ref := range r.inverse {
		if strings.EqualFold(ref.ID, id) && ref.Source == source {
			r.inverse = release(append(r.inverse[:i], r.inverse[i+1:]...))
			return true
		}
	}
	return false
}

// release drops the backing array of an empty edge list.
func release(refs []Reference) []Reference {
	if len(refs) == 0 {
		return nil
	}
	return refs
}

func snapshot(refs []Reference) []Reference {
	if len(refs) == 0 {
		return nil
	}
	out := make([]Reference, len(refs))
	copy(out, refs)
	return out
}
