// Package registry owns the element tree: it creates and removes elements,
// maintains link edges and resolves slash-separated addresses.
//
// There is no tree-wide lock. Each mutation takes the write locks of the
// nodes it touches, ancestor before descendant, and gives up with
// errors.ErrLocked once a node's lock timeout expires. The table of roots has
// its own small mutex that is never held while waiting on a node.
//
// Removing an element detaches its whole child subtree. Links that point
// into a removed subtree are left in place and stop resolving:
//
//	reg.Create(ctx, nil, dev)
//	reg.Create(ctx, dev, s)
//	reg.Create(ctx, s, d)
//	reg.AddLink(ctx, dev, "lnk", d)  // dev/lnk resolves to dev/s/d
//	reg.Remove(ctx, s)               // dev/lnk now reports ErrNotFound
//
// After every structural mutation the registry calls the OnTreeChanged
// listeners and raises the "treechanged" event under the affected root, if
// one exists. Event elements joining the tree are bound to the registry's
// dispatcher, notifier and metrics.
//
// A tree can be bootstrapped from YAML with LoadFile.
package registry
