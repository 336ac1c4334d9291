package element

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/c360/semtree/errors"
)

// Node is the lockable, addressable part of every element. Address and parent
// change only under the node's own write lock and can be read without it.
type Node struct {
	*Lock

	identifier string
	parent     atomic.Pointer[parentRef]
	address    atomic.Pointer[string]
	removed    atomic.Bool

	refs references
}

type parentRef struct {
	el Element
}

// NewNode creates a detached node.
func NewNode(identifier string) *Node {
	n := &Node{
		Lock:       NewLock(DefaultLockTimeout),
		identifier: identifier,
	}
	n.address.Store(&identifier)
	return n
}

// Identifier returns the node's name within its parent.
func (n *Node) Identifier() string {
	return n.identifier
}

// Address returns the slash-separated path from the root.
func (n *Node) Address() string {
	return *n.address.Load()
}

// Parent returns the structural parent, or nil for roots and detached nodes.
func (n *Node) Parent() Element {
	if p := n.parent.Load(); p != nil {
		return p.el
	}
	return nil
}

// IsRemoved reports whether the node was removed from the tree. Links that
// still point at it no longer resolve.
func (n *Node) IsRemoved() bool {
	return n.removed.Load()
}

// SetParent attaches the node under parent (nil makes it a root) and
// recomputes its own address. Descendant addresses are the caller's concern.
func (n *Node) SetParent(ctx context.Context, parent Element) error {
	if err := n.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer n.ExitWriteLock(ctx)

	n.setParentLocked(parent)
	return nil
}

func (n *Node) setParentLocked(parent Element) {
	addr := n.identifier
	if parent != nil {
		n.parent.Store(&parentRef{el: parent})
		addr = parent.Address() + "/" + n.identifier
	} else {
		n.parent.Store(nil)
	}
	n.address.Store(&addr)
	n.removed.Store(false)
}

// RefreshAddress recomputes the address from the current parent.
func (n *Node) RefreshAddress(ctx context.Context) error {
	if err := n.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer n.ExitWriteLock(ctx)

	n.setParentLocked(n.Parent())
	return nil
}

// Detach marks the node removed, clears its parent and releases every edge
// it owns. It returns the forward references it held so the caller can
// cascade through children.
func (n *Node) Detach(ctx context.Context) ([]Reference, error) {
	if err := n.EnterWriteLock(ctx); err != nil {
		return nil, err
	}
	defer n.ExitWriteLock(ctx)

	forward := n.refs.forward
	n.refs = references{}
	n.parent.Store(nil)
	addr := n.identifier
	n.address.Store(&addr)
	n.removed.Store(true)
	return forward, nil
}

// AddForward appends an outgoing edge. Identifiers are unique among a node's
// forward edges, compared case-insensitively.
func (n *Node) AddForward(ctx context.Context, id string, source, target Element, kind ReferenceKind) error {
	if err := n.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer n.ExitWriteLock(ctx)

	if !n.refs.addForward(Reference{ID: id, Source: source, Target: target, Kind: kind}) {
		return errors.WrapInvalid(errors.ErrAlreadyExists, "Node", "AddForward",
			fmt.Sprintf("add %q under %q", id, n.Address()))
	}
	return nil
}

// AddInverse records that source owns this node under id.
func (n *Node) AddInverse(ctx context.Context, id string, source, target Element) error {
	if err := n.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer n.ExitWriteLock(ctx)

	n.refs.addInverse(Reference{ID: id, Source: source, Target: target})
	return nil
}

// RemoveForward removes the outgoing edge named id and returns it.
func (n *Node) RemoveForward(ctx context.Context, id string) (Reference, error) {
	if err := n.EnterWriteLock(ctx); err != nil {
		return Reference{}, err
	}
	defer n.ExitWriteLock(ctx)

	ref, ok := n.refs.removeForward(id)
	if !ok {
		return Reference{}, errors.WrapInvalid(errors.ErrNotFound, "Node", "RemoveForward",
			fmt.Sprintf("remove %q under %q", id, n.Address()))
	}
	return ref, nil
}

// RemoveInverse removes the back edge from source named id.
func (n *Node) RemoveInverse(ctx context.Context, id string, source Element) error {
	if err := n.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer n.ExitWriteLock(ctx)

	if !n.refs.removeInverse(id, source) {
		return errors.WrapInvalid(errors.ErrNotFound, "Node", "RemoveInverse",
			fmt.Sprintf("remove inverse %q on %q", id, n.Address()))
	}
	return nil
}

// Forward looks up one outgoing edge by identifier.
func (n *Node) Forward(ctx context.Context, id string) (Reference, error) {
	if err := n.EnterReadLock(ctx); err != nil {
		return Reference{}, err
	}
	defer n.ExitReadLock(ctx)

	i, ok := n.refs.findForward(id)
	if !ok {
		return Reference{}, errors.WrapInvalid(errors.ErrNotFound, "Node", "Forward",
			fmt.Sprintf("find %q under %q", id, n.Address()))
	}
	return n.refs.forward[i], nil
}

// ForwardReferences returns a copy of the outgoing edges.
func (n *Node) ForwardReferences(ctx context.Context) ([]Reference, error) {
	if err := n.EnterReadLock(ctx); err != nil {
		return nil, err
	}
	defer n.ExitReadLock(ctx)
	return snapshot(n.refs.forward), nil
}

// InverseReferences returns a copy of the back edges.
func (n *Node) InverseReferences(ctx context.Context) ([]Reference, error) {
	if err := n.EnterReadLock(ctx); err != nil {
		return nil, err
	}
	defer n.ExitReadLock(ctx)
	return snapshot(n.refs.inverse), nil
}

// Children returns the targets of the child edges, in insertion order.
func (n *Node) Children(ctx context.Context) ([]Element, error) {
	refs, err := n.ForwardReferences(ctx)
	if err != nil {
		return nil, err
	}
	var out []Element
	for _, ref := range refs {
		if ref.Kind == ReferenceChild {
			out = append(out, ref.Target)
		}
	}
	return out, nil
}

// GetByIdentifier follows the forward edge named id, child or link. A link
// whose target has since been removed reports ErrNotFound.
func (n *Node) GetByIdentifier(ctx context.Context, id string) (Element, error) {
	ref, err := n.Forward(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref.Target == nil || ref.Target.Node().IsRemoved() {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Node", "GetByIdentifier",
			fmt.Sprintf("follow stale %s %q under %q", ref.Kind, id, n.Address()))
	}
	return ref.Target, nil
}
