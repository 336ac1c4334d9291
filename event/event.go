package event

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/metric"
)

// Enqueuer accepts one dispatch job per raise. Implementations must not block.
type Enqueuer interface {
	Enqueue(source *Element, subs []Subscription)
}

// Notifier is told about subscription changes, typically to persist them.
type Notifier interface {
	SubscriptionAdded(ctx context.Context, source *Element, sub Subscription) error
	SubscriptionRemoved(ctx context.Context, source *Element, sub Subscription) error
}

// Listener is an in-process observer called synchronously by Raise.
type Listener func(ctx context.Context, source *Element)

// Element is an event node: a tree element plus its subscription registry.
type Element struct {
	*element.Base

	// changeMu serializes Subscribe and Unsubscribe, notifier calls included
	changeMu sync.Mutex

	mu           sync.Mutex
	subs         map[int]Subscription
	listeners    map[int]Listener
	nextListener int

	enqueuer     Enqueuer
	notifier     Notifier
	metrics      *metric.Metrics
	metricsBound bool // metrics came from Bind
	maxID        int
	logger       *slog.Logger
}

// Option configures an event Element.
type Option func(*Element)

// WithEnqueuer sets the dispatcher that receives raised jobs.
func WithEnqueuer(e Enqueuer) Option {
	return func(el *Element) { el.enqueuer = e }
}

// WithNotifier sets the subscription change collaborator.
func WithNotifier(n Notifier) Option {
	return func(el *Element) { el.notifier = n }
}

// WithMetrics sets the metrics updated on subscribe, unsubscribe and raise.
func WithMetrics(m *metric.Metrics) Option {
	return func(el *Element) { el.metrics = m }
}

// WithMaxSubscriptionID overrides DefaultMaxSubscriptionID.
func WithMaxSubscriptionID(max int) Option {
	return func(el *Element) {
		if max > 0 {
			el.maxID = max
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(el *Element) {
		if logger != nil {
			el.logger = logger
		}
	}
}

// New creates a detached event element.
func New(identifier string, opts ...Option) *Element {
	el := &Element{
		Base:   element.NewBase(identifier, element.TypeEvent),
		subs:   make(map[int]Subscription),
		maxID:  DefaultMaxSubscriptionID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(el)
	}
	el.logger = el.logger.With("component", "event", "event", identifier)
	return el
}

// Binding holds the collaborators a registry hands to its event elements.
type Binding struct {
	Enqueuer          Enqueuer
	Notifier          Notifier
	Metrics           *metric.Metrics
	MaxSubscriptionID int
}

// Bind fills in collaborators that were not configured explicitly. The
// registry calls it when the element joins a tree.
func (e *Element) Bind(b Binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enqueuer == nil {
		e.enqueuer = b.Enqueuer
	}
	if e.notifier == nil {
		e.notifier = b.Notifier
	}
	if e.metrics == nil && b.Metrics != nil {
		e.metrics = b.Metrics
		e.metricsBound = true
		e.metrics.Subscriptions.Add(float64(len(e.subs)))
	}
	if b.MaxSubscriptionID > 0 && e.maxID == DefaultMaxSubscriptionID {
		e.maxID = b.MaxSubscriptionID
	}
}

// Unbind withdraws the element's subscriptions from metrics it received
// through Bind. The registry calls it when the element leaves the tree; a
// later Bind counts them again.
func (e *Element) Unbind() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.metricsBound {
		return
	}
	e.metrics.Subscriptions.Sub(float64(len(e.subs)))
	e.metrics = nil
	e.metricsBound = false
}

// Subscribe registers callback and returns the stored subscription.
// Subscribing with an id that is already registered replaces that entry.
func (e *Element) Subscribe(ctx context.Context, callback string, opts ...SubscribeOption) (Subscription, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !ValidCallback(callback) {
		return Subscription{}, errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe",
			fmt.Sprintf("validate callback %q", callback))
	}
	if err := validateDataToSend(o.dataToSend); err != nil {
		return Subscription{}, err
	}

	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	e.mu.Lock()
	id, err := e.chooseID(o)
	notifier := e.notifier
	e.mu.Unlock()
	if err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:         id,
		Callback:   callback,
		DataToSend: append([]string(nil), o.dataToSend...),
		Persist:    o.persist,
	}

	// The entry stays invisible to Raise until the notifier accepted it; a
	// failure leaves the previous entry, if any, in place.
	if notifier != nil {
		if err := notifier.SubscriptionAdded(ctx, e, sub.clone()); err != nil {
			return Subscription{}, errors.Wrap(err, "Element", "Subscribe", "notify subscription added")
		}
	}

	e.mu.Lock()
	_, replaced := e.subs[id]
	e.subs[id] = sub
	if !replaced && e.metrics != nil {
		e.metrics.Subscriptions.Inc()
	}
	e.mu.Unlock()

	e.logger.Debug("subscription added", "id", id, "callback", callback, "replaced", replaced)
	return sub.clone(), nil
}

// chooseID must be called with mu held.
func (e *Element) chooseID(o subscribeOptions) (int, error) {
	switch {
	case o.id != nil:
		if *o.id < 0 || *o.id >= e.maxID {
			return 0, errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe",
				fmt.Sprintf("validate subscription id %d", *o.id))
		}
		return *o.id, nil
	case o.correlationID != nil:
		if *o.correlationID < 0 || *o.correlationID >= e.maxID {
			return 0, errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe",
				fmt.Sprintf("validate correlation id %d", *o.correlationID))
		}
		return *o.correlationID, nil
	}
	for id := 0; id < e.maxID; id++ {
		if _, used := e.subs[id]; !used {
			return id, nil
		}
	}
	return 0, errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe", "allocate subscription id")
}

// Unsubscribe removes subscriptions. With WithID it removes that id; with
// WithCorrelationID it removes the entry with that id whose callback matches;
// otherwise it removes every subscription for callback.
func (e *Element) Unsubscribe(ctx context.Context, callback string, opts ...SubscribeOption) ([]Subscription, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	e.changeMu.Lock()
	defer e.changeMu.Unlock()

	e.mu.Lock()
	var removed []Subscription
	switch {
	case o.id != nil:
		if sub, ok := e.subs[*o.id]; ok {
			removed = append(removed, sub)
		}
	case o.correlationID != nil:
		if sub, ok := e.subs[*o.correlationID]; ok && sub.Callback == callback {
			removed = append(removed, sub)
		}
	default:
		for _, sub := range e.subs {
			if sub.Callback == callback {
				removed = append(removed, sub)
			}
		}
	}
	for _, sub := range removed {
		delete(e.subs, sub.ID)
	}
	if e.metrics != nil {
		e.metrics.Subscriptions.Sub(float64(len(removed)))
	}
	notifier := e.notifier
	e.mu.Unlock()

	if len(removed) == 0 {
		return nil, errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Unsubscribe",
			fmt.Sprintf("find subscription for %q", callback))
	}
	sortByID(removed)

	for _, sub := range removed {
		if notifier == nil {
			break
		}
		if err := notifier.SubscriptionRemoved(ctx, e, sub.clone()); err != nil {
			e.logger.Warn("subscription removal notification failed", "id", sub.ID, "error", err)
		}
	}

	e.logger.Debug("subscriptions removed", "count", len(removed), "callback", callback)
	return removed, nil
}

// Subscriptions returns a copy of the current subscriptions ordered by id.
func (e *Element) Subscriptions() []Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// SubscriptionCount returns the number of subscriptions.
func (e *Element) SubscriptionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// snapshotLocked must be called with mu held.
func (e *Element) snapshotLocked() []Subscription {
	if len(e.subs) == 0 {
		return nil
	}
	out := make([]Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, sub.clone())
	}
	sortByID(out)
	return out
}

func sortByID(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
}

// AddListener registers an in-process listener. The returned func removes it.
func (e *Element) AddListener(fn Listener) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[int]Listener)
	}
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Raise notifies local listeners synchronously, then hands one job holding
// every current subscription to the enqueuer. It never waits for delivery.
func (e *Element) Raise(ctx context.Context) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	subs := e.snapshotLocked()
	enq := e.enqueuer
	metrics := e.metrics
	e.mu.Unlock()

	if metrics != nil {
		metrics.EventsRaised.Inc()
	}

	for _, fn := range listeners {
		e.callListener(ctx, fn)
	}

	if len(subs) == 0 {
		return
	}
	if enq == nil {
		e.logger.Warn("event raised without dispatcher", "subscriptions", len(subs))
		return
	}
	enq.Enqueue(e, subs)
}

func (e *Element) callListener(ctx context.Context, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked", "panic", r)
		}
	}()
	fn(ctx, e)
}
