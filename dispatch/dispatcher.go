package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/metric"
	"github.com/c360/semtree/pkg/worker"
)

// Defaults
const (
	DefaultClientCacheSize = 64
	DefaultStopTimeout     = 5 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
)

// Delivery statuses recorded in metrics.
const (
	statusDelivered     = "delivered"
	statusFailed        = "failed"
	statusUndeliverable = "undeliverable"
)

// Job is one raise: the source event and the subscriptions it had then.
type Job struct {
	Source        *event.Element
	Subscriptions []event.Subscription
}

// Dispatcher delivers raised events on a single background worker.
type Dispatcher struct {
	worker     *worker.Worker[Job]
	resolver   Resolver
	strategies []Strategy
	remote     *RemotePushStrategy

	eventNo atomic.Uint64

	delivered     atomic.Int64
	failed        atomic.Int64
	undeliverable atomic.Int64

	factory         ClientFactory
	lookup          ServerLookup
	clientCacheSize int
	deliveryTimeout time.Duration
	metrics         *metric.Metrics
	metricsRegistry *metric.MetricsRegistry
	logger          *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClientFactory enables remote push delivery.
func WithClientFactory(f ClientFactory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithServerLookup enables connected-client delivery.
func WithServerLookup(l ServerLookup) Option {
	return func(d *Dispatcher) { d.lookup = l }
}

// WithClientCacheSize bounds the number of cached remote clients.
func WithClientCacheSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.clientCacheSize = n
		}
	}
}

// WithDeliveryTimeout bounds each strategy attempt, retries included.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.deliveryTimeout = timeout
		}
	}
}

// WithMetrics records delivery outcomes in m.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMetricsRegistry exports queue metrics of the worker.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.metricsRegistry = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a stopped dispatcher. Strategies are tried in the fixed order
// connected client, remote push, local invoke; the first two are only
// present when their collaborator was configured.
func New(resolver Resolver, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		resolver:        resolver,
		clientCacheSize: DefaultClientCacheSize,
		deliveryTimeout: DefaultDeliveryTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")

	if d.lookup != nil {
		d.strategies = append(d.strategies, &ConnectedClientStrategy{Lookup: d.lookup})
	}
	if d.factory != nil {
		remote, err := NewRemotePushStrategy(d.factory, d.clientCacheSize, d.logger)
		if err != nil {
			return nil, err
		}
		d.remote = remote
		d.strategies = append(d.strategies, remote)
	}
	if d.resolver != nil {
		d.strategies = append(d.strategies, &LocalInvokeStrategy{Resolver: d.resolver})
	}

	var wopts []worker.Option[Job]
	if d.metricsRegistry != nil {
		wopts = append(wopts, worker.WithMetricsRegistry[Job](d.metricsRegistry, "semtree_dispatch"))
	}
	w, err := worker.NewWorker(d.process, wopts...)
	if err != nil {
		return nil, errors.Wrap(err, "Dispatcher", "New", "create worker")
	}
	d.worker = w
	return d, nil
}

// Enqueue queues a job without blocking. Jobs enqueued after Stop are
// dropped and counted.
func (d *Dispatcher) Enqueue(source *event.Element, subs []event.Subscription) {
	if source == nil || len(subs) == 0 {
		return
	}
	if err := d.worker.Submit(Job{Source: source, Subscriptions: subs}); err != nil {
		d.logger.Debug("event dropped", "source", source.Address(), "error", err)
	}
}

// Start launches the background worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.worker.Start(ctx); err != nil {
		return errors.Wrap(err, "Dispatcher", "Start", "start worker")
	}
	d.logger.Info("dispatcher started", "strategies", len(d.strategies))
	return nil
}

// Stop discards queued jobs, waits up to timeout for the in-flight job and
// closes cached clients.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	err := d.worker.Stop(timeout)
	if d.remote != nil {
		if cerr := d.remote.Close(); cerr != nil {
			d.logger.Warn("closing clients failed", "error", cerr)
		}
	}
	stats := d.Stats()
	d.logger.Info("dispatcher stopped", "processed", stats.Processed, "dropped", stats.Dropped)
	return err
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	Enqueued      int64  `json:"enqueued"`
	Processed     int64  `json:"processed"`
	Dropped       int64  `json:"dropped"`
	Delivered     int64  `json:"delivered"`
	Failed        int64  `json:"failed"`
	Undeliverable int64  `json:"undeliverable"`
	LastEventNo   uint64 `json:"last_event_no"`
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	ws := d.worker.Stats()
	return Stats{
		QueueDepth:    ws.QueueDepth,
		Enqueued:      ws.Submitted,
		Processed:     ws.Processed,
		Dropped:       ws.Dropped,
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Undeliverable: d.undeliverable.Load(),
		LastEventNo:   d.eventNo.Load(),
	}
}

func (d *Dispatcher) process(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("dispatch job panicked", "source", job.Source.Address(), "panic", p)
			err = fmt.Errorf("%w: dispatch panicked: %v", errors.ErrInternal, p)
		}
	}()

	base := ctx
	ctx = element.WithOwner(ctx)
	b := newPayloadBuilder(d.resolver, job.Source, d.eventNo.Add(1))
	source := job.Source.Address()

	// Payloads are built on the worker so each address is read once per job.
	// Sends run concurrently across callbacks and in order within one.
	batches := make(map[string][]delivery)
	var callbacks []string
	for _, sub := range job.Subscriptions {
		env, ok := d.buildEnvelope(ctx, sub, b)
		if !ok {
			continue
		}
		if _, seen := batches[sub.Callback]; !seen {
			callbacks = append(callbacks, sub.Callback)
		}
		batches[sub.Callback] = append(batches[sub.Callback], delivery{sub: sub, env: env})
	}

	var g errgroup.Group
	for _, cb := range callbacks {
		batch := batches[cb]
		g.Go(func() error {
			ctx := element.WithOwner(base)
			for _, dl := range batch {
				d.deliver(ctx, source, dl.sub, dl.env)
			}
			return nil
		})
	}
	return g.Wait()
}

type delivery struct {
	sub event.Subscription
	env Envelope
}

func (d *Dispatcher) deliver(ctx context.Context, source string, sub event.Subscription, env Envelope) {
	attempted := false
	for _, s := range d.strategies {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
		applied, err := d.try(attemptCtx, s, sub, env)
		cancel()
		if !applied {
			continue
		}
		attempted = true
		if err == nil {
			d.delivered.Add(1)
			d.record(s.Name(), statusDelivered, time.Since(start))
			return
		}
		d.failed.Add(1)
		d.record(s.Name(), statusFailed, time.Since(start))
		d.logger.Error("event delivery failed",
			"strategy", s.Name(),
			"source", source,
			"callback", sub.Callback,
			"subscription", sub.ID,
			"error", err)
	}

	if !attempted {
		d.undeliverable.Add(1)
		d.record("none", statusUndeliverable, 0)
		d.logger.Error(errors.ErrUndeliverable.Error(),
			"source", source,
			"callback", sub.Callback,
			"subscription", sub.ID)
	}
}

func (d *Dispatcher) buildEnvelope(ctx context.Context, sub event.Subscription, b *payloadBuilder) (env Envelope, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.failed.Add(1)
			d.logger.Error("building event payload failed",
				"source", b.source.Address(), "callback", sub.Callback, "panic", p)
			ok = false
		}
	}()
	return b.envelope(ctx, sub), true
}

func (d *Dispatcher) try(ctx context.Context, s Strategy, sub event.Subscription, env Envelope) (applied bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			applied = true
			err = fmt.Errorf("%w: %s panicked: %v", errors.ErrInternal, s.Name(), p)
		}
	}()
	return s.Deliver(ctx, sub, env)
}

func (d *Dispatcher) record(strategy, status string, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordDelivery(strategy, status, duration)
	}
}
