// Package health tracks component health and aggregates it into one system
// status.
//
// A Status is healthy, degraded or unhealthy. Aggregate is unhealthy if any
// sub-status is unhealthy, degraded if any is degraded, and healthy
// otherwise.
//
// Monitor holds the latest status per component. Components either push
// updates with Update or register a Check that Refresh evaluates. SemTree
// registers checks for the dispatcher, the NATS connection and the WebSocket
// server, and serves Monitor.HealthFunc on the metrics server /health
// endpoint:
//
//	monitor := health.NewMonitor()
//	monitor.Register("dispatcher", health.DispatcherCheck("dispatcher", disp, 10000))
//	srv := metric.NewServer(9090, "/metrics", metricsRegistry, monitor.HealthFunc("semtree"))
//
// Error messages placed in statuses through FromError are sanitized so URLs,
// paths, addresses and credentials are not exposed.
package health
