package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
)

// ChangeKind names a structural mutation.
type ChangeKind string

// Structural mutations reported to tree-changed listeners.
const (
	ChangeCreated  ChangeKind = "created"
	ChangeRemoved  ChangeKind = "removed"
	ChangeLinked   ChangeKind = "linked"
	ChangeUnlinked ChangeKind = "unlinked"
)

// TreeChange describes one structural mutation.
type TreeChange struct {
	Kind    ChangeKind `json:"kind"`
	Address string     `json:"address"`
	Target  string     `json:"target,omitempty"`
}

// TreeChangedFunc observes structural mutations.
type TreeChangedFunc func(ctx context.Context, change TreeChange)

// SkipChildren may be returned by a Walk callback to skip an element's subtree.
var SkipChildren = stderrors.New("skip children")

// Registry owns the roots of the element tree and performs every structural
// mutation. Only the root table has a registry-wide lock; everything else
// is protected by per-node locks taken top-down.
type Registry struct {
	mu    sync.RWMutex
	roots map[string]element.Element

	listenersMu  sync.RWMutex
	listeners    map[int]TreeChangedFunc
	nextListener int

	bindingMu sync.RWMutex
	binding   event.Binding

	lockTimeout time.Duration
	metrics     *metric.Metrics
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockTimeout sets the lock timeout applied to every node that joins the tree.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the core metrics updated by tree mutations and handed to
// event elements.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithNotifier sets the subscription notifier handed to event elements.
func WithNotifier(n event.Notifier) Option {
	return func(r *Registry) { r.binding.Notifier = n }
}

// WithMaxSubscriptionID sets the subscription id bound handed to event elements.
func WithMaxSubscriptionID(max int) Option {
	return func(r *Registry) { r.binding.MaxSubscriptionID = max }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		roots:       make(map[string]element.Element),
		listeners:   make(map[int]TreeChangedFunc),
		lockTimeout: element.DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.binding.Metrics = r.metrics
	r.logger = r.logger.With("component", "registry")
	return r
}

// SetEnqueuer sets the dispatcher given to event elements as they join the
// tree. Elements already in the tree are bound as well.
func (r *Registry) SetEnqueuer(ctx context.Context, enq event.Enqueuer) error {
	r.bindingMu.Lock()
	r.binding.Enqueuer = enq
	r.bindingMu.Unlock()

	for _, root := range r.Roots() {
		if err := r.Walk(ctx, root, func(_ context.Context, el element.Element) error {
			r.bind(el)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// OnTreeChanged registers fn for every structural mutation. The returned
// func unregisters it.
func (r *Registry) OnTreeChanged(fn TreeChangedFunc) (cancel func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn

	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

// Create attaches child under parent, or as a root when parent is nil. The
// child must be detached; a subtree already built below it moves with it.
func (r *Registry) Create(ctx context.Context, parent, child element.Element) error {
	ctx = element.WithOwner(ctx)

	if child == nil {
		return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "Create", "validate child")
	}
	if err := element.ValidateIdentifier(child.Identifier()); err != nil {
		return err
	}
	if err := r.checkDetached(child); err != nil {
		return err
	}

	var err error
	if parent == nil {
		err = r.createRoot(ctx, child)
	} else {
		err = r.createChild(ctx, parent, child)
	}
	if err != nil {
		r.countLockFailure("create", err)
		return err
	}

	added, err := r.adoptSubtree(ctx, child)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordMutation(string(ChangeCreated), added)
	}

	r.logger.Debug("element created", "address", child.Address(), "type", child.Type())
	r.notify(ctx, child, TreeChange{Kind: ChangeCreated, Address: child.Address()})
	return nil
}

func (r *Registry) createRoot(ctx context.Context, child element.Element) error {
	// Node lock first; the root table lock is never held while waiting on one
	cn := child.Node()
	if err := cn.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer cn.ExitWriteLock(ctx)

	if err := r.checkDetached(child); err != nil {
		return err
	}
	if err := cn.SetParent(ctx, nil); err != nil {
		return err
	}

	key := strings.ToLower(child.Identifier())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roots[key]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyExists, "Registry", "Create",
			fmt.Sprintf("add root %q", child.Identifier()))
	}
	r.roots[key] = child
	return nil
}

func (r *Registry) createChild(ctx context.Context, parent, child element.Element) error {
	pn, cn := parent.Node(), child.Node()

	if err := pn.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer pn.ExitWriteLock(ctx)

	if pn.IsRemoved() {
		return errors.WrapInvalid(errors.ErrNotFound, "Registry", "Create",
			fmt.Sprintf("attach under removed %q", parent.Address()))
	}
	if err := checkNotAncestor(child, parent); err != nil {
		return err
	}

	if err := cn.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer cn.ExitWriteLock(ctx)

	// a concurrent Create may have attached child while we waited
	if err := r.checkDetached(child); err != nil {
		return err
	}
	if err := checkNotAncestor(child, parent); err != nil {
		return err
	}

	id := child.Identifier()
	if err := pn.AddForward(ctx, id, parent, child, element.ReferenceChild); err != nil {
		return err
	}
	if err := cn.AddInverse(ctx, id, parent, child); err != nil {
		_, _ = pn.RemoveForward(ctx, id)
		return err
	}
	return cn.SetParent(ctx, parent)
}

// checkNotAncestor rejects attaching child under a node of its own subtree.
func checkNotAncestor(child, parent element.Element) error {
	for cur := parent; cur != nil; cur = cur.Parent() {
		if cur == child {
			return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "Create",
				fmt.Sprintf("attach %q below its own descendant %q", child.Address(), parent.Address()))
		}
	}
	return nil
}

// checkDetached fails when el already has a parent or is a root.
func (r *Registry) checkDetached(el element.Element) error {
	if el.Parent() != nil || r.isRoot(el) {
		return errors.WrapInvalid(errors.ErrAlreadyExists, "Registry", "Create",
			fmt.Sprintf("attach %q which is already in the tree", el.Address()))
	}
	return nil
}

// adoptSubtree refreshes addresses below child, applies the lock timeout and
// binds event elements. It returns the number of nodes that joined the tree.
func (r *Registry) adoptSubtree(ctx context.Context, child element.Element) (int, error) {
	count := 0
	err := r.Walk(ctx, child, func(ctx context.Context, el element.Element) error {
		count++
		n := el.Node()
		n.SetTimeout(r.lockTimeout)
		if el != child {
			if err := n.RefreshAddress(ctx); err != nil {
				return err
			}
		}
		r.bind(el)
		return nil
	})
	return count, err
}

func (r *Registry) bind(el element.Element) {
	ev, ok := el.(*event.Element)
	if !ok {
		return
	}
	r.bindingMu.RLock()
	b := r.binding
	r.bindingMu.RUnlock()
	ev.Bind(b)
}

// Remove detaches el and its whole child subtree. Links elsewhere that point
// into the subtree are left in place and stop resolving.
func (r *Registry) Remove(ctx context.Context, el element.Element) error {
	ctx = element.WithOwner(ctx)
	if el == nil {
		return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "Remove", "validate element")
	}

	address := el.Address()
	parent := el.Parent()

	var removed int
	var err error
	if parent == nil {
		removed, err = r.removeRoot(ctx, el)
	} else {
		removed, err = r.removeChild(ctx, parent, el)
	}
	if err != nil {
		r.countLockFailure("remove", err)
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordMutation(string(ChangeRemoved), -removed)
	}

	r.logger.Debug("element removed", "address", address, "nodes", removed)
	notifyAt := parent
	if notifyAt == nil {
		notifyAt = el
	}
	r.notify(ctx, notifyAt, TreeChange{Kind: ChangeRemoved, Address: address})
	return nil
}

func (r *Registry) removeRoot(ctx context.Context, el element.Element) (int, error) {
	key := strings.ToLower(el.Identifier())
	r.mu.Lock()
	if r.roots[key] != el {
		r.mu.Unlock()
		return 0, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Remove",
			fmt.Sprintf("remove %q which is not in the tree", el.Address()))
	}
	delete(r.roots, key)
	r.mu.Unlock()

	return detachSubtree(ctx, el)
}

func (r *Registry) removeChild(ctx context.Context, parent, el element.Element) (int, error) {
	pn := parent.Node()
	if err := pn.EnterWriteLock(ctx); err != nil {
		return 0, err
	}
	defer pn.ExitWriteLock(ctx)

	id := el.Identifier()
	ref, err := pn.Forward(ctx, id)
	if err != nil || ref.Kind != element.ReferenceChild || ref.Target != el {
		return 0, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Remove",
			fmt.Sprintf("find child %q under %q", id, parent.Address()))
	}

	if err := el.Node().EnterWriteLock(ctx); err != nil {
		return 0, err
	}
	defer el.Node().ExitWriteLock(ctx)

	if _, err := pn.RemoveForward(ctx, id); err != nil {
		return 0, err
	}
	if err := el.Node().RemoveInverse(ctx, id, parent); err != nil {
		return 0, err
	}
	return detachSubtree(ctx, el)
}

// detachSubtree flags el and its descendants removed, top-down, releasing
// every edge they own.
func detachSubtree(ctx context.Context, el element.Element) (int, error) {
	n := el.Node()
	if err := n.EnterWriteLock(ctx); err != nil {
		return 0, err
	}
	defer n.ExitWriteLock(ctx)

	forward, err := n.Detach(ctx)
	if err != nil {
		return 0, err
	}
	if ev, ok := el.(*event.Element); ok {
		ev.Unbind()
	}

	count := 1
	for _, ref := range forward {
		if ref.Kind != element.ReferenceChild {
			continue
		}
		c, err := detachSubtree(ctx, ref.Target)
		count += c
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// AddLink makes target reachable as source/id without changing its owner.
func (r *Registry) AddLink(ctx context.Context, source element.Element, id string, target element.Element) error {
	ctx = element.WithOwner(ctx)

	if source == nil || target == nil {
		return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "AddLink", "validate link endpoints")
	}
	if err := element.ValidateIdentifier(id); err != nil {
		return err
	}
	if !r.attached(target) || !r.attached(source) {
		return errors.WrapInvalid(errors.ErrNotFound, "Registry", "AddLink",
			fmt.Sprintf("link %q to %q outside the tree", id, target.Address()))
	}

	if err := source.Node().AddForward(ctx, id, source, target, element.ReferenceLink); err != nil {
		r.countLockFailure("link", err)
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordMutation(string(ChangeLinked), 0)
	}
	change := TreeChange{Kind: ChangeLinked, Address: source.Address() + "/" + id, Target: target.Address()}
	r.notify(ctx, source, change)
	return nil
}

// RemoveLink removes the link source/id. Child edges cannot be removed this way.
func (r *Registry) RemoveLink(ctx context.Context, source element.Element, id string) error {
	ctx = element.WithOwner(ctx)
	if source == nil {
		return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "RemoveLink", "validate source")
	}

	sn := source.Node()
	if err := sn.EnterWriteLock(ctx); err != nil {
		r.countLockFailure("unlink", err)
		return err
	}
	ref, err := sn.Forward(ctx, id)
	if err == nil && ref.Kind != element.ReferenceLink {
		err = errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "RemoveLink",
			fmt.Sprintf("unlink child %q under %q", id, source.Address()))
	}
	if err == nil {
		_, err = sn.RemoveForward(ctx, id)
	}
	sn.ExitWriteLock(ctx)
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordMutation(string(ChangeUnlinked), 0)
	}
	change := TreeChange{Kind: ChangeUnlinked, Address: source.Address() + "/" + id}
	if ref.Target != nil {
		change.Target = ref.Target.Address()
	}
	r.notify(ctx, source, change)
	return nil
}

// Resolve walks path from its root, following child and link edges.
func (r *Registry) Resolve(ctx context.Context, path string) (element.Element, error) {
	start := time.Now()
	ctx = element.WithOwner(ctx)

	segs := element.SplitAddress(path)
	if segs == nil {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Resolve",
			fmt.Sprintf("resolve malformed address %q", path))
	}

	r.mu.RLock()
	cur, ok := r.roots[strings.ToLower(segs[0])]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Resolve",
			fmt.Sprintf("resolve root %q", segs[0]))
	}

	for _, seg := range segs[1:] {
		next, err := cur.Node().GetByIdentifier(ctx, seg)
		if err != nil {
			r.countLockFailure("resolve", err)
			return nil, errors.Wrap(err, "Registry", "Resolve", fmt.Sprintf("resolve %q", path))
		}
		cur = next
	}

	if cur.Node().IsRemoved() {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Resolve",
			fmt.Sprintf("resolve removed %q", path))
	}
	if r.metrics != nil {
		r.metrics.RecordResolve(time.Since(start))
	}
	return cur, nil
}

// Roots returns the root elements ordered by identifier.
func (r *Registry) Roots() []element.Element {
	r.mu.RLock()
	out := make([]element.Element, 0, len(r.roots))
	for _, el := range r.roots {
		out = append(out, el)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Identifier()) < strings.ToLower(out[j].Identifier())
	})
	return out
}

// Walk visits root and its child subtree depth-first, parents before
// children. Links are not followed. Returning SkipChildren from fn skips the
// current element's subtree; any other error stops the walk.
func (r *Registry) Walk(ctx context.Context, root element.Element, fn func(context.Context, element.Element) error) error {
	ctx = element.WithOwner(ctx)
	err := walk(ctx, root, fn)
	if err == SkipChildren {
		return nil
	}
	return err
}

func walk(ctx context.Context, el element.Element, fn func(context.Context, element.Element) error) error {
	if err := fn(ctx, el); err != nil {
		return err
	}
	children, err := el.Node().Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := walk(ctx, child, fn); err != nil && err != SkipChildren {
			return err
		}
	}
	return nil
}

func (r *Registry) isRoot(el element.Element) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots[strings.ToLower(el.Identifier())] == el
}

func (r *Registry) attached(el element.Element) bool {
	if el.Node().IsRemoved() {
		return false
	}
	for cur := el; cur != nil; cur = cur.Parent() {
		if cur.Parent() == nil {
			return r.isRoot(cur)
		}
	}
	return false
}

func (r *Registry) countLockFailure(op string, err error) {
	if r.metrics != nil && stderrors.Is(err, errors.ErrLocked) {
		r.metrics.RecordLockFailure(op)
	}
}

// notify delivers one change to the listeners and raises the treechanged
// event of the root above at, if it has one.
func (r *Registry) notify(ctx context.Context, at element.Element, change TreeChange) {
	r.listenersMu.RLock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]TreeChangedFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.listenersMu.RUnlock()

	for _, fn := range fns {
		r.callListener(ctx, fn, change)
	}

	root := at
	for root.Parent() != nil {
		root = root.Parent()
	}
	if root.Node().IsRemoved() || !r.isRoot(root) {
		return
	}
	if ev, err := root.Node().GetByIdentifier(ctx, element.EventTreeChanged); err == nil {
		if raiser, ok := ev.(element.Raiser); ok {
			raiser.Raise(ctx)
		}
	}
}

func (r *Registry) callListener(ctx context.Context, fn TreeChangedFunc, change TreeChange) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tree changed listener panicked", "panic", p, "address", change.Address)
		}
	}()
	fn(ctx, change)
}
