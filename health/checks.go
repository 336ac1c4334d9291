package health

import (
	"context"
	"fmt"

	"github.com/c360/semtree/dispatch"
	"github.com/c360/semtree/natsclient"
	"github.com/c360/semtree/transport/websocket"
)

// DispatcherStats is implemented by *dispatch.Dispatcher.
type DispatcherStats interface {
	Stats() dispatch.Stats
}

// DispatcherCheck reports degraded once more than maxQueue jobs are waiting.
// A maxQueue of zero disables the threshold.
func DispatcherCheck(name string, d DispatcherStats, maxQueue int) Check {
	return func(context.Context) Status {
		stats := d.Stats()
		msg := fmt.Sprintf("%d queued, %d delivered, %d failed, %d undeliverable",
			stats.QueueDepth, stats.Delivered, stats.Failed, stats.Undeliverable)

		var status Status
		if maxQueue > 0 && stats.QueueDepth > maxQueue {
			status = NewDegraded(name, msg)
		} else {
			status = NewHealthy(name, msg)
		}
		return status.WithMetrics(&Metrics{
			ErrorCount:        int(stats.Failed + stats.Undeliverable),
			MessagesProcessed: stats.Processed,
		})
	}
}

// ConnectionStatus is implemented by *natsclient.Client.
type ConnectionStatus interface {
	Status() natsclient.ConnectionStatus
}

// NATSCheck maps the client connection state: connected is healthy,
// connecting and reconnecting are degraded, anything else is unhealthy.
func NATSCheck(name string, c ConnectionStatus) Check {
	return func(context.Context) Status {
		state := c.Status()
		switch state {
		case natsclient.StatusConnected:
			return NewHealthy(name, state.String())
		case natsclient.StatusConnecting, natsclient.StatusReconnecting:
			return NewDegraded(name, state.String())
		default:
			return NewUnhealthy(name, state.String())
		}
	}
}

// WebSocketStats is implemented by *websocket.Server.
type WebSocketStats interface {
	Stats() websocket.Stats
}

// WebSocketCheck is always healthy; it exposes the connected client count and
// the write error count.
func WebSocketCheck(name string, s WebSocketStats) Check {
	return func(context.Context) Status {
		stats := s.Stats()
		return NewHealthy(name, fmt.Sprintf("%d clients, %d dropped", stats.Clients, stats.Dropped)).
			WithMetrics(&Metrics{
				ErrorCount:        int(stats.Errors),
				MessagesProcessed: stats.Sent,
			})
	}
}
