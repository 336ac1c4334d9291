// Package metric provides Prometheus-based metrics collection and the HTTP
// server that exposes them.
//
// The package offers a centralized metrics registry holding the core metrics
// (tree size and mutations, lock failures, event raises and deliveries, NATS
// health) plus component-specific metrics registered through the
// MetricsRegistrar interface, such as the dispatcher queue and the transport
// client cache.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, monitor.Report)
//
//	go func() {
//	    if err := server.Start(ctx); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//
//	registry.CoreMetrics().RecordMutation("create", 1)
//
// # Component Metrics
//
// Components register their own collectors under a component name. A second
// registration of the same component/metric pair fails with an invalid-class
// error rather than panicking, so components can be constructed more than
// once against the same registry in tests.
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{
//	    Namespace: "semtree",
//	    Subsystem: "dispatcher",
//	    Name:      "queue_depth",
//	    Help:      "Jobs waiting for the dispatcher worker",
//	})
//	if err := registry.RegisterGauge("dispatcher", "queue_depth", depth); err != nil {
//	    return err
//	}
//
// # Endpoints
//
// The server serves the Prometheus exposition on the configured path
// (default /metrics) and a /health endpoint backed by an optional HealthFunc.
// When the health function reports unhealthy the endpoint answers 503 with the
// JSON health document.
package metric
