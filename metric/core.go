package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the process-wide metrics shared by the registry, the
// dispatcher and the transports.
type Metrics struct {
	// Tree metrics
	TreeNodes      prometheus.Gauge
	TreeMutations  *prometheus.CounterVec
	LockTimeouts   *prometheus.CounterVec
	ResolveLatency prometheus.Histogram

	// Event metrics
	Subscriptions  prometheus.Gauge
	EventsRaised   prometheus.Counter
	Deliveries     *prometheus.CounterVec
	DeliveryLength *prometheus.HistogramVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		TreeNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semtree",
				Subsystem: "tree",
				Name:      "nodes",
				Help:      "Number of nodes currently attached to the tree",
			},
		),

		TreeMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semtree",
				Subsystem: "tree",
				Name:      "mutations_total",
				Help:      "Total number of structural tree mutations",
			},
			[]string{"kind"},
		),

		LockTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semtree",
				Subsystem: "tree",
				Name:      "lock_failures_total",
				Help:      "Node lock acquisitions that failed by operation",
			},
			[]string{"operation"},
		),

		ResolveLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "semtree",
				Subsystem: "tree",
				Name:      "resolve_duration_seconds",
				Help:      "Address resolution duration in seconds",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
		),

		Subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semtree",
				Subsystem: "events",
				Name:      "subscriptions",
				Help:      "Number of registered event subscriptions",
			},
		),

		EventsRaised: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semtree",
				Subsystem: "events",
				Name:      "raised_total",
				Help:      "Total number of raised events",
			},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semtree",
				Subsystem: "events",
				Name:      "deliveries_total",
				Help:      "Delivery attempts by strategy and outcome",
			},
			[]string{"strategy", "status"},
		),

		DeliveryLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "semtree",
				Subsystem: "events",
				Name:      "delivery_duration_seconds",
				Help:      "Delivery duration in seconds by strategy",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "semtree",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "semtree",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordMutation counts a structural mutation and adjusts the node gauge by delta
func (c *Metrics) RecordMutation(kind string, delta int) {
	c.TreeMutations.WithLabelValues(kind).Inc()
	if delta != 0 {
		c.TreeNodes.Add(float64(delta))
	}
}

// RecordLockFailure increments the lock failure counter
func (c *Metrics) RecordLockFailure(operation string) {
	c.LockTimeouts.WithLabelValues(operation).Inc()
}

// RecordResolve records how long an address resolution took
func (c *Metrics) RecordResolve(duration time.Duration) {
	c.ResolveLatency.Observe(duration.Seconds())
}

// RecordDelivery records a delivery attempt for a strategy
func (c *Metrics) RecordDelivery(strategy, status string, duration time.Duration) {
	c.Deliveries.WithLabelValues(strategy, status).Inc()
	c.DeliveryLength.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
