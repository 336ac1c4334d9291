// Package element defines the nodes of the tree: the reentrant timeout lock,
// the per-node reference table, the Element interface with its shared Base
// metadata, and the built-in kinds (device, structure, data, service).
//
// # Locking
//
// Every node carries its own read/write Lock. Acquisition waits at most the
// lock timeout (DefaultLockTimeout unless the registry configures another)
// and fails with a transient errors.ErrLocked; the lock never retries on its
// own. Reentrancy is keyed by an Owner carried in the context:
//
//	ctx = element.WithOwner(ctx)
//	if err := n.EnterWriteLock(ctx); err != nil {
//	    return err
//	}
//	defer n.ExitWriteLock(ctx)
//	_ = n.AddForward(ctx, id, src, dst, element.ReferenceChild) // reenters
//
// Holding the write lock allows nested reads and writes. Holding only a read
// lock and asking for the write lock fails immediately with
// errors.ErrLockRecursion. While a writer waits, new readers that do not
// already hold the lock queue behind it.
//
// # References
//
// Child edges own their target and are mirrored by an inverse edge on the
// target. Link edges only make a node reachable under another name; they
// have no inverse and do not keep the target alive in the tree. When a node
// is removed it is flagged, and links that still point at it fail lazily with
// errors.ErrNotFound on lookup.
package element
